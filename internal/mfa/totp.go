// Package mfa implements the TOTP second factor and the signed cookie that
// lets a browser skip the challenge for a while.
package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultTOTPPeriod is the time step in seconds
	DefaultTOTPPeriod = 30

	// DefaultTOTPWindow allows one step of clock drift either way
	DefaultTOTPWindow = 1

	// DefaultSecretLength is the secret size in bytes
	DefaultSecretLength = 20

	redisUsedCodePrefix  = "idsync:totp:used:"
	redisUsedCodeTTL     = 5 * time.Minute
	redisRateLimitPrefix = "idsync:totp:ratelimit:"
	rateLimitWindow      = time.Minute
	rateLimitMaxAttempts = 5
)

var (
	// ErrInvalidCode is returned for a wrong, expired or replayed code
	ErrInvalidCode = errors.New("invalid two-factor code")

	// ErrRateLimited is returned after too many verifications in a minute
	ErrRateLimited = errors.New("too many two-factor attempts")
)

// TOTPSecret is a freshly generated secret with its provisioning URL
type TOTPSecret struct {
	Secret      string `json:"secret"`
	AccountName string `json:"account_name"`
	Issuer      string `json:"issuer"`
	URL         string `json:"url"`
}

// TOTP generates and checks codes. With a Redis client it also refuses
// replayed codes and rate limits verification per user.
type TOTP struct {
	issuer string
	opts   totp.ValidateOpts
	redis  redis.Cmdable
	logger *zap.Logger
	now    func() time.Time
}

// NewTOTP creates a TOTP service. rdb may be nil.
func NewTOTP(issuer string, rdb redis.Cmdable, logger *zap.Logger) *TOTP {
	return &TOTP{
		issuer: issuer,
		opts: totp.ValidateOpts{
			Period:    DefaultTOTPPeriod,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
		redis:  rdb,
		logger: logger,
		now:    time.Now,
	}
}

// GenerateSecret creates a new secret for accountName
func (s *TOTP) GenerateSecret(accountName string) (*TOTPSecret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      s.opts.Period,
		Digits:      s.opts.Digits,
		Algorithm:   s.opts.Algorithm,
		SecretSize:  DefaultSecretLength,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return &TOTPSecret{
		Secret:      key.Secret(),
		AccountName: accountName,
		Issuer:      s.issuer,
		URL:         key.URL(),
	}, nil
}

// GenerateCode returns the code for t
func (s *TOTP) GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, s.opts)
}

// validate compares code against every step in the drift window in constant time
func (s *TOTP) validate(secret, code string) bool {
	now := s.now()
	step := time.Duration(s.opts.Period) * time.Second
	for i := -DefaultTOTPWindow; i <= DefaultTOTPWindow; i++ {
		expected, err := totp.GenerateCodeCustom(secret, now.Add(time.Duration(i)*step), s.opts)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}

// Verify checks code for the user. Redis failures in the replay and rate
// limit bookkeeping are logged and do not block a valid code.
func (s *TOTP) Verify(ctx context.Context, userID int64, secret, code string) error {
	if secret == "" || code == "" {
		return ErrInvalidCode
	}
	uid := strconv.FormatInt(userID, 10)

	if s.redis != nil {
		rlKey := redisRateLimitPrefix + uid
		count, err := s.redis.Incr(ctx, rlKey).Result()
		if err != nil {
			s.logger.Error("Failed to increment TOTP rate limit", zap.Int64("user_id", userID), zap.Error(err))
		} else {
			if count == 1 {
				s.redis.Expire(ctx, rlKey, rateLimitWindow)
			}
			if count > rateLimitMaxAttempts {
				s.logger.Warn("TOTP verification rate limit exceeded", zap.Int64("user_id", userID))
				return ErrRateLimited
			}
		}
	}

	if !s.validate(secret, code) {
		return ErrInvalidCode
	}

	if s.redis != nil {
		// SETNX marks the code used; a second use within the TTL is a replay
		fresh, err := s.redis.SetNX(ctx, redisUsedCodePrefix+uid+":"+code, "1", redisUsedCodeTTL).Result()
		if err != nil {
			s.logger.Error("Failed to mark TOTP code as used", zap.Int64("user_id", userID), zap.Error(err))
		} else if !fresh {
			s.logger.Warn("TOTP code already used", zap.Int64("user_id", userID))
			return ErrInvalidCode
		}
	}
	return nil
}
