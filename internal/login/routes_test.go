package login

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/idsync/internal/auth"
	"github.com/openidx/idsync/internal/common/testutil"
	"github.com/openidx/idsync/internal/loginprotection"
	"github.com/openidx/idsync/internal/store"
)

type stubCache struct {
	expired     int
	invalidated []int64
}

func (s *stubCache) SetExpired() { s.expired++ }

func (s *stubCache) Invalidate(id int64) { s.invalidated = append(s.invalidated, id) }

func (s *stubCache) LastRefresh() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

type routesFixture struct {
	*fixture
	cache    *stubCache
	sessions *auth.SessionService
	tokens   *auth.TokenStore
	router   *gin.Engine
}

// newRoutesFixture serves a handler on the fixture's keycloak fake with an
// ldap secondary
func newRoutesFixture(t *testing.T) *routesFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &routesFixture{fixture: newFixture(t), cache: &stubCache{}}
	ldap := f.handler(t, Config{Mode: ModeInternalMaster, Policy: Policy{SyncPasswords: true}, Client: f.ldap})
	h := f.handler(t, Config{Client: f.keycloak, Secondary: ldap})
	logger := zaptest.NewLogger(t)

	_, rdb := testutil.NewRedis(t)

	f.sessions = auth.NewSessionService(rdb, auth.SessionConfig{}, logger)
	f.tokens = auth.NewTokenStore(rdb)
	pipeline := auth.NewPipeline(auth.PipelineConfig{
		Users:        f.store,
		Sessions:     f.sessions,
		Tokens:       f.tokens,
		Protection:   loginprotection.NewMemory(loginprotection.DefaultPolicy()),
		Authenticate: Authenticator(h),
		Logger:       logger,
	})

	f.router = gin.New()
	NewRoutes(h, f.store, f.cache, pipeline, "admins", logger).
		RegisterRoutes(f.router.Group("/api/v1"), pipeline.Authenticate(auth.TokenRESTClient))
	return f
}

func (f *routesFixture) do(method, target, password, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:"+password)))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *routesFixture) makeAdmin(t *testing.T) {
	g := &store.Group{Name: "admins"}
	require.NoError(t, f.store.InsertGroup(context.Background(), g, false))
	require.NoError(t, f.store.SetAssignedUsers(context.Background(), g.ID, []int64{f.alice.ID}))
}

func TestChangePassword(t *testing.T) {
	f := newRoutesFixture(t)

	w := f.do(http.MethodPost, "/api/v1/account/password", "s3cret",
		`{"current_password":"s3cret","new_password":"n3w-passw0rd"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, "n3w-passw0rd", f.keycloak.Password("alice"))
	assert.Equal(t, "n3w-passw0rd", f.ldap.Password("alice"))
	assert.Equal(t, []int64{f.alice.ID}, f.cache.invalidated)

	u, err := f.store.VerifyPassword(context.Background(), "alice", "n3w-passw0rd")
	require.NoError(t, err)
	assert.True(t, u.Synced("keycloak"))
	assert.True(t, u.Synced("ldap"))
}

func TestChangePassword_RevokesTokensAndSessions(t *testing.T) {
	f := newRoutesFixture(t)
	ctx := context.Background()
	token, err := f.tokens.Issue(ctx, f.alice.ID, auth.TokenDAV)
	require.NoError(t, err)
	sess, err := f.sessions.Create(ctx, f.alice.ID, "", "")
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/account/password", "s3cret",
		`{"current_password":"s3cret","new_password":"n3w-passw0rd"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.ErrorIs(t, f.tokens.Validate(ctx, f.alice.ID, auth.TokenDAV, token), auth.ErrTokenInvalid)
	_, err = f.sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
}

func TestChangePassword_KeepsCallerSession(t *testing.T) {
	f := newRoutesFixture(t)
	ctx := context.Background()
	current, err := f.sessions.Create(ctx, f.alice.ID, "", "")
	require.NoError(t, err)
	other, err := f.sessions.Create(ctx, f.alice.ID, "", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/account/password",
		strings.NewReader(`{"current_password":"s3cret","new_password":"n3w-passw0rd"}`))
	req.AddCookie(&http.Cookie{Name: auth.DefaultSessionCookie, Value: current.ID})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err = f.sessions.Get(ctx, current.ID)
	assert.NoError(t, err)
	_, err = f.sessions.Get(ctx, other.ID)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
}

func TestChangePassword_Rejected(t *testing.T) {
	f := newRoutesFixture(t)

	w := f.do(http.MethodPost, "/api/v1/account/password", "s3cret",
		`{"current_password":"wrong","new_password":"n3w-passw0rd"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/v1/account/password", "s3cret",
		`{"current_password":"s3cret","new_password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// only the first-login propagation reached the directory
	assert.Equal(t, "s3cret", f.keycloak.Password("alice"))
	_, err := f.store.VerifyPassword(context.Background(), "alice", "s3cret")
	assert.NoError(t, err)
}

func TestChangeWLANPassword(t *testing.T) {
	f := newRoutesFixture(t)

	w := f.do(http.MethodPost, "/api/v1/account/wlan-password", "s3cret", `{"password":"wlan-secret"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "wlan-secret", f.ldap.WLANPassword("alice"))
}

func TestSyncAdmin(t *testing.T) {
	f := newRoutesFixture(t)

	w := f.do(http.MethodPost, "/api/v1/admin/sync", "s3cret", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, f.cache.expired)

	f.makeAdmin(t)
	w = f.do(http.MethodPost, "/api/v1/admin/sync", "s3cret", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, f.cache.expired)

	w = f.do(http.MethodGet, "/api/v1/admin/sync/status", "s3cret", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Directories []Status `json:"directories"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Directories, 2)
	assert.Equal(t, "keycloak", body.Directories[0].Target)
	assert.Equal(t, ModeInternalMaster, body.Directories[1].Mode)
}

func TestSyncAdmin_RequiresAuthentication(t *testing.T) {
	f := newRoutesFixture(t)

	w := f.do(http.MethodPost, "/api/v1/admin/sync", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
