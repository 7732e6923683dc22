package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/openidx/idsync/internal/common/errors"
	"github.com/openidx/idsync/internal/common/testutil"
	"github.com/openidx/idsync/internal/loginprotection"
	"github.com/openidx/idsync/internal/store"
)

type stubTwoFactor struct {
	required map[string]bool
}

func (s *stubTwoFactor) Required(user *store.User) bool { return s.required[user.Username] }

func (s *stubTwoFactor) HandleRequest(c *gin.Context, user *store.User) *time.Time {
	if !s.Required(user) {
		return nil
	}
	now := time.Now()
	apperrors.AbortWithError(c, apperrors.TwoFactorRequired("/2fa"))
	return &now
}

type failingProtection struct{}

func (failingProtection) Offset(context.Context, loginprotection.Key) (time.Duration, error) {
	return 0, errors.New("redis down")
}
func (failingProtection) Increment(context.Context, loginprotection.Key) (time.Duration, error) {
	return 0, nil
}
func (failingProtection) Clear(context.Context, loginprotection.Key) error { return nil }

type pipelineFixture struct {
	store     *store.Memory
	sessions  *SessionService
	tokens    *TokenStore
	twoFactor *stubTwoFactor
	checks    atomic.Int32
	pipeline  *Pipeline
	router    *gin.Engine
	alice     *store.User
}

func newPipelineFixture(t *testing.T, protection loginprotection.Store) *pipelineFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	_, client := testutil.NewRedis(t)

	f := &pipelineFixture{
		store:     store.NewMemory(nil, nil),
		sessions:  NewSessionService(client, SessionConfig{}, zaptest.NewLogger(t)),
		tokens:    NewTokenStore(client),
		twoFactor: &stubTwoFactor{required: map[string]bool{}},
	}
	if protection == nil {
		protection = loginprotection.NewMemory(loginprotection.DefaultPolicy())
	}

	ctx := context.Background()
	f.alice = &store.User{Username: "alice", FirstName: "Alice"}
	require.NoError(t, f.store.InsertUser(ctx, f.alice, false))
	require.NoError(t, f.store.SetPassword(ctx, f.alice.ID, "correct horse"))

	f.pipeline = NewPipeline(PipelineConfig{
		Users:      f.store,
		Sessions:   f.sessions,
		Tokens:     f.tokens,
		Protection: protection,
		Authenticate: func(ctx context.Context, username, password string) (*store.User, error) {
			f.checks.Add(1)
			return f.store.VerifyPassword(ctx, username, password)
		},
		TwoFactor: f.twoFactor,
		Logger:    zaptest.NewLogger(t),
	})

	whoami := func(c *gin.Context) {
		ac := FromGin(c)
		require.NotNil(t, ac)
		require.Same(t, ac, FromContext(c.Request.Context()))
		c.JSON(http.StatusOK, gin.H{
			"user":      ac.User.Username,
			"mechanism": ac.Mechanism,
			"pending":   ac.TwoFactorPending,
		})
	}

	f.router = gin.New()
	api := f.router.Group("/api/v1")
	f.pipeline.RegisterRoutes(api)
	api.GET("/rest", f.pipeline.Authenticate(TokenRESTClient), whoami)
	api.GET("/dav", f.pipeline.Authenticate(TokenDAV), whoami)
	api.GET("/pending", f.pipeline.AuthenticatePending(TokenRESTClient), whoami)
	return f
}

func (f *pipelineFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func basic(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPipeline_Basic(t *testing.T) {
	f := newPipelineFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "alice", body["user"])
	assert.Equal(t, "basic", body["mechanism"])
}

func TestPipeline_NoCredentials(t *testing.T) {
	f := newPipelineFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, w)["error"])
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestPipeline_LocksAfterThreeFailures(t *testing.T) {
	f := newPipelineFixture(t, nil)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
		req.Header.Set("Authorization", basic("alice", "wrong"))
		w := f.do(req)
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}
	require.EqualValues(t, 3, f.checks.Load())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	w := f.do(req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", decode(t, w)["error"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.EqualValues(t, 3, f.checks.Load(), "locked attempt must not reach the credential check")
}

func TestPipeline_LockIsPerTokenType(t *testing.T) {
	f := newPipelineFixture(t, nil)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/dav", nil)
		req.Header.Set("Authorization", basic("alice", "wrong"))
		f.do(req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	assert.Equal(t, http.StatusOK, f.do(req).Code)
}

func TestPipeline_TokenSchemesShareOneBucket(t *testing.T) {
	f := newPipelineFixture(t, nil)
	token, err := f.tokens.Issue(context.Background(), f.alice.ID, TokenRESTClient)
	require.NoError(t, err)
	id := strconv.FormatInt(f.alice.ID, 10)

	byName := func(secret string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
		req.Header.Set(HeaderUsername, "alice")
		req.Header.Set(HeaderToken, secret)
		return req
	}
	byID := func(secret string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
		req.Header.Set(LegacyUserID, id)
		req.Header.Set(LegacyToken, secret)
		return req
	}

	require.Equal(t, http.StatusUnauthorized, f.do(byName("wrong")).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(byID("wrong")).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(byName("wrong")).Code)

	w := f.do(byID(token))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", decode(t, w)["error"])
	assert.Equal(t, http.StatusForbidden, f.do(byName(token)).Code)
}

func TestPipeline_ProtectionErrorFailsClosed(t *testing.T) {
	f := newPipelineFixture(t, failingProtection{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	w := f.do(req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, f.checks.Load())
}

func TestPipeline_Token(t *testing.T) {
	f := newPipelineFixture(t, nil)
	token, err := f.tokens.Issue(context.Background(), f.alice.ID, TokenRESTClient)
	require.NoError(t, err)

	t.Run("headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
		req.Header.Set(HeaderUsername, "alice")
		req.Header.Set(HeaderToken, token)
		w := f.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "token", decode(t, w)["mechanism"])
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
		req.Header.Set(HeaderUsername, "alice")
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusOK, f.do(req).Code)
	})

	t.Run("legacy query", func(t *testing.T) {
		target := "/api/v1/rest?" + LegacyUserID + "=" + strconv.FormatInt(f.alice.ID, 10) + "&" + LegacyToken + "=" + token
		assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, target, nil)).Code)
	})

	t.Run("legacy headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
		req.Header.Set(LegacyUserID, strconv.FormatInt(f.alice.ID, 10))
		req.Header.Set(LegacyToken, token)
		assert.Equal(t, http.StatusOK, f.do(req).Code)
	})

	t.Run("other token type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/dav", nil)
		req.Header.Set(HeaderUsername, "alice")
		req.Header.Set(HeaderToken, token)
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
		req.Header.Set(HeaderUsername, "nobody")
		req.Header.Set(HeaderToken, token)
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	})
}

func TestPipeline_TokenSkipsTwoFactor(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.twoFactor.required["alice"] = true
	token, err := f.tokens.Issue(context.Background(), f.alice.ID, TokenRESTClient)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.Header.Set(HeaderUsername, "alice")
	req.Header.Set(HeaderToken, token)
	assert.Equal(t, http.StatusOK, f.do(req).Code)
}

func TestPipeline_TwoFactorChallenge(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.twoFactor.required["alice"] = true

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	w := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	assert.Equal(t, "TWO_FACTOR_REQUIRED", body["error"])
	assert.Equal(t, "/2fa", body["metadata"].(map[string]interface{})["redirect"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/pending", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	w = f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["pending"])
}

func TestPipeline_LoginSessionLogout(t *testing.T) {
	f := newPipelineFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"correct horse"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["two_factor_required"])

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == DefaultSessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.AddCookie(cookie)
	w = f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "session", decode(t, w)["mechanism"])

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(cookie)
	assert.Equal(t, http.StatusNoContent, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.AddCookie(cookie)
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
}

func TestPipeline_LoginUsesOwnBucket(t *testing.T) {
	f := newPipelineFixture(t, nil)

	for i := 0; i < 3; i++ {
		w := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			strings.NewReader(`{"username":"alice","password":"nope"}`)))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"correct horse"}`)))
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	assert.Equal(t, http.StatusOK, f.do(req).Code)
}

func TestPipeline_SessionOfDeactivatedUser(t *testing.T) {
	f := newPipelineFixture(t, nil)
	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, f.alice.ID, "192.0.2.1", "test")
	require.NoError(t, err)

	u, err := f.store.GetUser(ctx, f.alice.ID)
	require.NoError(t, err)
	u.Deactivated = true
	require.NoError(t, f.store.UpdateUser(ctx, u, false))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: sess.ID})
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	_, err = f.sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPipeline_ClearsLeakedContext(t *testing.T) {
	f := newPipelineFixture(t, nil)
	var after *RequestAuthContext

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Next()
		after = FromGin(c)
	})
	r.Use(func(c *gin.Context) {
		bind(c, &RequestAuthContext{User: &store.User{ID: 99, Username: "mallory"}, Mechanism: MechanismSession})
	})
	r.GET("/", f.pipeline.Authenticate(TokenRESTClient), func(c *gin.Context) {
		c.String(http.StatusOK, CurrentUser(c).Username)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, after)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
	assert.Nil(t, after)
}

func TestIssueToken(t *testing.T) {
	f := newPipelineFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/tokens/dav_token", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	w := f.do(req)
	require.Equal(t, http.StatusCreated, w.Code)
	token := decode(t, w)["token"].(string)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/dav", nil)
	req.Header.Set(HeaderUsername, "alice")
	req.Header.Set(HeaderToken, token)
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	rest, err := f.tokens.Issue(context.Background(), f.alice.ID, TokenRESTClient)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/tokens/REST_CLIENT", nil)
	req.Header.Set(HeaderUsername, "alice")
	req.Header.Set(HeaderToken, rest)
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/tokens/LOGIN", nil)
	req.Header.Set("Authorization", basic("alice", "correct horse"))
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}
