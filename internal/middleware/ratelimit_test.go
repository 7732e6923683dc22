package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/idsync/internal/common/testutil"
)

func newLimitedRouter(t *testing.T, cfg RateLimitConfig) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, rdb := testutil.NewRedis(t)

	router := gin.New()
	router.Use(SlidingWindowRateLimit(rdb, cfg, zaptest.NewLogger(t)))
	router.GET("/api/v1/auth/login", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router, mr
}

func get(router *gin.Engine, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSlidingWindowRateLimit(t *testing.T) {
	router, _ := newLimitedRouter(t, RateLimitConfig{Requests: 3, Window: time.Minute, SkipPaths: []string{"/health"}})

	for i := 0; i < 3; i++ {
		w := get(router, "/api/v1/auth/login", "10.0.0.1")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, strconv.Itoa(2-i), w.Header().Get("X-RateLimit-Remaining"))
	}

	w := get(router, "/api/v1/auth/login", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 60, retry, 2)

	// other clients and skipped paths are unaffected
	assert.Equal(t, http.StatusOK, get(router, "/api/v1/auth/login", "10.0.0.2").Code)
	assert.Equal(t, http.StatusOK, get(router, "/health", "10.0.0.1").Code)
}

func TestSlidingWindowRateLimit_FailsOpen(t *testing.T) {
	router, mr := newLimitedRouter(t, RateLimitConfig{Requests: 1})
	mr.Close()

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(router, "/api/v1/auth/login", "10.0.0.1").Code)
	}
}
