package mfa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/common/config"
	apperrors "github.com/openidx/idsync/internal/common/errors"
	"github.com/openidx/idsync/internal/metrics"
	"github.com/openidx/idsync/internal/store"
)

// ChallengePath is where clients are sent to enter their code
const ChallengePath = "/2fa"

const trustAudience = "idsync-2fa"

// ErrNotEnrolled is returned when verifying a user without a TOTP secret
var ErrNotEnrolled = errors.New("two-factor authentication not set up")

// SecretWriter persists the encrypted TOTP secret of a user
type SecretWriter interface {
	SetTwoFactorSecret(ctx context.Context, userID int64, secret string) error
}

// Handler decides per request whether the caller still owes a second factor
type Handler struct {
	enabled    bool
	cookieName string
	trustFor   time.Duration
	secure     bool
	keys       keys
	cipher     *SecretCipher
	totp       *TOTP
	secrets    SecretWriter
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates the two-factor handler
func NewHandler(cfg config.TwoFactorConfig, secureCookies bool, totp *TOTP, secrets SecretWriter, logger *zap.Logger) (*Handler, error) {
	k, err := deriveKeys(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	c, err := NewSecretCipher(k.secret)
	if err != nil {
		return nil, err
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "idsync_2fa"
	}
	if cfg.TrustDuration <= 0 {
		cfg.TrustDuration = 12 * time.Hour
	}
	return &Handler{
		enabled:    cfg.Enabled,
		cookieName: cfg.CookieName,
		trustFor:   cfg.TrustDuration,
		secure:     secureCookies,
		keys:       k,
		cipher:     c,
		totp:       totp,
		secrets:    secrets,
		logger:     logger.With(zap.String("component", "two-factor")),
		now:        time.Now,
	}, nil
}

// Required reports whether user has to pass the second factor at all
func (h *Handler) Required(user *store.User) bool {
	return h.enabled && user.TwoFactorSecret != ""
}

// HandleRequest returns nil when the request may proceed. Otherwise the 401
// TWO_FACTOR_REQUIRED response pointing at ChallengePath has been written,
// and the returned time is when the challenge was issued.
func (h *Handler) HandleRequest(c *gin.Context, user *store.User) *time.Time {
	if !h.Required(user) {
		return nil
	}
	if h.trusted(c, user) {
		metrics.RecordTwoFactorVerification("trusted")
		return nil
	}

	now := h.now()
	apperrors.AbortWithError(c, apperrors.TwoFactorRequired(ChallengePath))
	return &now
}

// trusted checks the trust cookie issued by a previous Verify
func (h *Handler) trusted(c *gin.Context, user *store.User) bool {
	raw, err := c.Cookie(h.cookieName)
	if err != nil || raw == "" {
		return false
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return h.keys.trust, nil
	},
		jwt.WithAudience(trustAudience),
		jwt.WithSubject(strconv.FormatInt(user.ID, 10)),
		jwt.WithTimeFunc(h.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		h.logger.Debug("Ignoring invalid trust cookie", zap.Int64("user_id", user.ID), zap.Error(err))
		return false
	}
	return true
}

// Verify checks a TOTP code and on success sets the trust cookie
func (h *Handler) Verify(c *gin.Context, user *store.User, code string) error {
	if user.TwoFactorSecret == "" {
		return ErrNotEnrolled
	}
	secret, err := h.cipher.Decrypt(user.TwoFactorSecret)
	if err != nil {
		return fmt.Errorf("failed to read two-factor secret: %w", err)
	}

	if err := h.totp.Verify(c.Request.Context(), user.ID, secret, code); err != nil {
		metrics.RecordTwoFactorVerification("failure")
		return err
	}
	metrics.RecordTwoFactorVerification("success")

	token, expires, err := h.issueTrust(user)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookieName, token, int(expires.Sub(h.now()).Seconds()), "/", "", h.secure, true)
	return nil
}

func (h *Handler) issueTrust(user *store.User) (string, time.Time, error) {
	now := h.now()
	expires := now.Add(h.trustFor)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(user.ID, 10),
		Audience:  jwt.ClaimStrings{trustAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.keys.trust)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign trust cookie: %w", err)
	}
	return signed, expires, nil
}

// Enroll generates a new secret for user and stores it encrypted. The
// plaintext secret is returned once so the client can show it.
func (h *Handler) Enroll(ctx context.Context, user *store.User) (*TOTPSecret, error) {
	secret, err := h.totp.GenerateSecret(user.Username)
	if err != nil {
		return nil, err
	}
	encrypted, err := h.cipher.Encrypt(secret.Secret)
	if err != nil {
		return nil, err
	}
	if err := h.secrets.SetTwoFactorSecret(ctx, user.ID, encrypted); err != nil {
		return nil, fmt.Errorf("failed to store two-factor secret: %w", err)
	}
	h.logger.Info("Two-factor secret enrolled", zap.Int64("user_id", user.ID))
	return secret, nil
}

// ClearTrust removes the trust cookie
func (h *Handler) ClearTrust(c *gin.Context) {
	c.SetCookie(h.cookieName, "", -1, "/", "", h.secure, true)
}
