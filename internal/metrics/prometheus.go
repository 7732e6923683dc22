// Package metrics provides Prometheus metrics collection for the idsync service
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "idsync"

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Sync metrics
var (
	syncEntitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entities_total",
			Help:      "Entities processed by sync passes",
		},
		[]string{"target", "direction", "kind", "outcome"}, // kind: user, group; outcome: created, updated, disabled, unmodified, skipped, error
	)

	syncMembershipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_membership_changes_total",
			Help:      "Group membership changes applied by sync passes",
		},
		[]string{"target", "direction", "outcome"}, // outcome: added, removed, unmodified, error
	)

	syncPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of complete sync passes",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"target", "direction", "result"}, // result: ok, degraded, failed
	)

	syncPassesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_skipped_total",
			Help:      "Sync triggers dropped because a pass was already running",
		},
		[]string{"target"},
	)

	passwordPropagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "password_propagations_total",
			Help:      "Passwords written to directory targets",
		},
		[]string{"target", "kind", "outcome"}, // kind: login, wlan
	)

	cacheRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_cache_refreshes_total",
			Help:      "Identity cache refreshes",
		},
		[]string{"outcome"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_cache_lookups_total",
			Help:      "User lookups served by the identity cache",
		},
		[]string{"result"}, // hit, miss
	)
)

// Authentication metrics
var (
	// AuthAttemptsTotal is exported for the auth pipeline
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"mechanism", "outcome"}, // mechanism: session, token, basic, login; outcome: success, failure, locked
	)

	// SessionEventsTotal counts session lifecycle events. Sessions that lapse
	// through the Redis TTL are never observed, so no live count is kept.
	SessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Total number of session lifecycle events",
		},
		[]string{"event"}, // created, deleted, evicted, expired, revoked
	)

	tokenOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_operations_total",
			Help:      "Total number of token operations",
		},
		[]string{"token_type", "operation", "outcome"}, // operation: issue, validate, revoke
	)

	twoFactorVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "two_factor_verifications_total",
			Help:      "Total number of TOTP verification attempts",
		},
		[]string{"outcome"}, // success, failure, trusted
	)
)

// Middleware returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(serviceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, method, path).Observe(time.Since(start).Seconds())
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSyncEntities adds n entities with the given outcome
func RecordSyncEntities(target, direction, kind, outcome string, n int) {
	if n <= 0 {
		return
	}
	syncEntitiesTotal.WithLabelValues(target, direction, kind, outcome).Add(float64(n))
}

// RecordMembershipChanges adds n membership changes with the given outcome
func RecordMembershipChanges(target, direction, outcome string, n int) {
	if n <= 0 {
		return
	}
	syncMembershipsTotal.WithLabelValues(target, direction, outcome).Add(float64(n))
}

// RecordSyncPass records the duration and result of a sync pass
func RecordSyncPass(target, direction, result string, duration time.Duration) {
	syncPassDuration.WithLabelValues(target, direction, result).Observe(duration.Seconds())
}

// RecordDroppedPass records a sync trigger that found a pass already running
func RecordDroppedPass(target string) {
	syncPassesDropped.WithLabelValues(target).Inc()
}

// RecordPasswordPropagation records a password write to a directory
func RecordPasswordPropagation(target, kind, outcome string) {
	passwordPropagationsTotal.WithLabelValues(target, kind, outcome).Inc()
}

// RecordCacheRefresh records an identity cache refresh
func RecordCacheRefresh(outcome string) {
	cacheRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a user lookup hit or miss
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// RecordAuthAttempt records an authentication attempt
func RecordAuthAttempt(mechanism, outcome string) {
	AuthAttemptsTotal.WithLabelValues(mechanism, outcome).Inc()
}

// RecordTokenOperation records a token operation
func RecordTokenOperation(tokenType, operation, outcome string) {
	tokenOperationsTotal.WithLabelValues(tokenType, operation, outcome).Inc()
}

// RecordTwoFactorVerification records a TOTP verification attempt
func RecordTwoFactorVerification(outcome string) {
	twoFactorVerificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionEvent records a session lifecycle event
func RecordSessionEvent(event string) {
	SessionEventsTotal.WithLabelValues(event).Inc()
}
