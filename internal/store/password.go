package store

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrPasswordTooShort is returned when the password is less than the minimum length
	ErrPasswordTooShort = errors.New("password is too short")

	// ErrPasswordTooWeak is returned when the password misses a required character class
	ErrPasswordTooWeak = errors.New("password does not meet the character requirements")

	// ErrInvalidHashFormat is returned when the hash format is invalid
	ErrInvalidHashFormat = errors.New("invalid hash format")
)

// PasswordPolicy defines password requirements for SetPassword
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
}

// DefaultPasswordPolicy returns the policy applied to password changes
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        10,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
	}
}

// Hasher hashes new passwords with Argon2id and verifies both Argon2id and
// bcrypt hashes. Bcrypt hashes come from users imported out of legacy systems.
type Hasher struct {
	policy      PasswordPolicy
	time        uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
}

// NewHasher creates a Hasher with the default policy
func NewHasher() *Hasher {
	return &Hasher{
		policy:      DefaultPasswordPolicy(),
		time:        3,
		memory:      64 * 1024,
		parallelism: 4,
		keyLength:   32,
	}
}

// WithPolicy sets a custom password policy
func (h *Hasher) WithPolicy(policy PasswordPolicy) *Hasher {
	h.policy = policy
	return h
}

// withCost lowers the Argon2id cost; tests only
func (h *Hasher) withCost(time, memory uint32) *Hasher {
	h.time = time
	h.memory = memory
	return h
}

// Validate checks if a password meets the policy requirements
func (h *Hasher) Validate(password string) error {
	if len(password) < h.policy.MinLength {
		return fmt.Errorf("%w: minimum length is %d", ErrPasswordTooShort, h.policy.MinLength)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if (h.policy.RequireUppercase && !upper) || (h.policy.RequireLowercase && !lower) || (h.policy.RequireDigit && !digit) {
		return ErrPasswordTooWeak
	}
	return nil
}

// Hash validates the password and returns its Argon2id encoding:
// $argon2id$v=19$t=3,m=65536,p=4$salt$hash
func (h *Hasher) Hash(password string) (string, error) {
	if err := h.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.parallelism, h.keyLength)

	return fmt.Sprintf("$argon2id$v=%d$t=%d,m=%d,p=%d$%s$%s",
		argon2.Version, h.time, h.memory, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encodedHash
func (h *Hasher) Verify(password, encodedHash string) (bool, error) {
	switch {
	case strings.HasPrefix(encodedHash, "$argon2id$"):
		return verifyArgon2id(password, encodedHash)
	case strings.HasPrefix(encodedHash, "$2a$"), strings.HasPrefix(encodedHash, "$2b$"), strings.HasPrefix(encodedHash, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	case encodedHash == "":
		// users created by a directory pull have no local password yet
		return false, nil
	}
	return false, ErrInvalidHashFormat
}

func verifyArgon2id(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[2] != "v=19" {
		return false, ErrInvalidHashFormat
	}

	var time, memory uint32
	var parallelism uint8
	for _, p := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return false, ErrInvalidHashFormat
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return false, ErrInvalidHashFormat
		}
		switch k {
		case "t":
			time = uint32(n)
		case "m":
			memory = uint32(n)
		case "p":
			parallelism = uint8(n)
		}
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
