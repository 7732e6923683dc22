package mfa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keys are the two secrets derived from the configured signing key
type keys struct {
	trust  []byte // HMAC key of the trust cookie
	secret []byte // AES-256 key for TOTP secrets at rest
}

// deriveKeys splits one configured key into independent subkeys
func deriveKeys(signingKey string) (keys, error) {
	var k keys
	for _, part := range []struct {
		info string
		dst  *[]byte
	}{
		{"idsync 2fa trust cookie", &k.trust},
		{"idsync totp secret", &k.secret},
	} {
		buf := make([]byte, 32)
		r := hkdf.New(sha256.New, []byte(signingKey), nil, []byte(part.info))
		if _, err := io.ReadFull(r, buf); err != nil {
			return keys{}, fmt.Errorf("failed to derive key: %w", err)
		}
		*part.dst = buf
	}
	return k, nil
}

// SecretCipher provides AES-256-GCM encryption for TOTP secrets
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher creates a cipher. The key must be 32 bytes.
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretCipher{aead: gcm}, nil
}

// Encrypt returns base64(nonce || ciphertext)
func (e *SecretCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (e *SecretCipher) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
