package mfa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/idsync/internal/common/config"
	apperrors "github.com/openidx/idsync/internal/common/errors"
	"github.com/openidx/idsync/internal/common/testutil"
	"github.com/openidx/idsync/internal/store"
)

const testSigningKey = "test-signing-key-that-is-32-bytes-long"

type fixture struct {
	handler *Handler
	store   *store.Memory
	user    *store.User
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	_, rdb := testutil.NewRedis(t)

	f := &fixture{
		store: store.NewMemory(nil, nil),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.user = &store.User{Username: "alice"}
	require.NoError(t, f.store.InsertUser(context.Background(), f.user, false))

	logger := zaptest.NewLogger(t)
	otp := NewTOTP("idsync", rdb, logger)
	otp.now = func() time.Time { return f.now }

	h, err := NewHandler(config.TwoFactorConfig{
		Enabled:       true,
		SigningKey:    testSigningKey,
		TrustDuration: time.Hour,
	}, false, otp, f.store, logger)
	require.NoError(t, err)
	h.now = func() time.Time { return f.now }
	f.handler = h
	return f
}

// enroll stores a secret and returns its plaintext
func (f *fixture) enroll(t *testing.T) string {
	t.Helper()
	secret, err := f.handler.Enroll(context.Background(), f.user)
	require.NoError(t, err)
	u, err := f.store.GetUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	f.user = u
	return secret.Secret
}

func request(cookies ...*http.Cookie) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/resource", nil)
	for _, ck := range cookies {
		c.Request.AddCookie(ck)
	}
	return c, w
}

func TestHandleRequest_NoSecretBypasses(t *testing.T) {
	f := newFixture(t)
	c, w := request()

	assert.Nil(t, f.handler.HandleRequest(c, f.user))
	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleRequest_ChallengeThenTrust(t *testing.T) {
	f := newFixture(t)
	secret := f.enroll(t)
	assert.NotEqual(t, secret, f.user.TwoFactorSecret, "stored encrypted")

	c, w := request()
	expiry := f.handler.HandleRequest(c, f.user)
	require.NotNil(t, expiry)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.ErrTwoFactorRequired, resp.Error)
	assert.Equal(t, ChallengePath, resp.Metadata["redirect"])

	code, err := f.handler.totp.GenerateCode(secret, f.now)
	require.NoError(t, err)

	c, w = request()
	require.NoError(t, f.handler.Verify(c, f.user, code))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	c, _ = request(cookies[0])
	assert.Nil(t, f.handler.HandleRequest(c, f.user))

	// expired trust
	f.now = f.now.Add(2 * time.Hour)
	c, _ = request(cookies[0])
	assert.NotNil(t, f.handler.HandleRequest(c, f.user))
}

func TestTrustCookie_BoundToUser(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	bob := &store.User{ID: f.user.ID + 1, Username: "bob", TwoFactorSecret: f.user.TwoFactorSecret}
	token, _, err := f.handler.issueTrust(bob)
	require.NoError(t, err)

	c, _ := request(&http.Cookie{Name: "idsync_2fa", Value: token})
	assert.NotNil(t, f.handler.HandleRequest(c, f.user))
}

func TestVerify_RejectsReplayAndWrongCode(t *testing.T) {
	f := newFixture(t)
	secret := f.enroll(t)
	code, err := f.handler.totp.GenerateCode(secret, f.now)
	require.NoError(t, err)

	c, _ := request()
	require.NoError(t, f.handler.Verify(c, f.user, code))

	c, _ = request()
	assert.ErrorIs(t, f.handler.Verify(c, f.user, code), ErrInvalidCode)

	c, _ = request()
	assert.ErrorIs(t, f.handler.Verify(c, f.user, "000000x"), ErrInvalidCode)
}

func TestVerify_AcceptsOneStepDrift(t *testing.T) {
	f := newFixture(t)
	secret := f.enroll(t)
	code, err := f.handler.totp.GenerateCode(secret, f.now.Add(-30*time.Second))
	require.NoError(t, err)

	c, _ := request()
	assert.NoError(t, f.handler.Verify(c, f.user, code))
}

func TestVerify_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.enroll(t)

	for i := 0; i < rateLimitMaxAttempts; i++ {
		c, _ := request()
		assert.ErrorIs(t, f.handler.Verify(c, f.user, "bad"), ErrInvalidCode)
	}
	c, _ := request()
	assert.ErrorIs(t, f.handler.Verify(c, f.user, "bad"), ErrRateLimited)
}

func TestVerify_NotEnrolled(t *testing.T) {
	f := newFixture(t)
	c, _ := request()
	assert.ErrorIs(t, f.handler.Verify(c, f.user, "123456"), ErrNotEnrolled)
}

func TestSecretCipher(t *testing.T) {
	k, err := deriveKeys(testSigningKey)
	require.NoError(t, err)
	assert.NotEqual(t, k.trust, k.secret)

	c, err := NewSecretCipher(k.secret)
	require.NoError(t, err)

	enc, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", dec)

	_, err = c.Decrypt("AAAA")
	assert.Error(t, err)

	_, err = NewSecretCipher([]byte("short"))
	assert.Error(t, err)
}
