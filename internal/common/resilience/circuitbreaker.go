// Package resilience guards calls to remote directories with a circuit breaker
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// ErrCircuitOpen is returned while a breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

var (
	cbStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "idsync",
			Name:      "directory_circuit_state",
			Help:      "Current state of the directory circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"target"},
	)

	cbCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idsync",
			Name:      "directory_circuit_calls_total",
			Help:      "Total directory calls through the circuit breaker",
		},
		[]string{"target", "result"},
	)
)

func stateToFloat(s CircuitState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	Name         string        // directory target, e.g. "keycloak"
	Threshold    int           // consecutive failures before opening
	ResetTimeout time.Duration // how long to wait before half-open
	Logger       *zap.Logger
}

// CircuitBreakerStats holds stats for readiness reporting
type CircuitBreakerStats struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure *time.Time   `json:"last_failure,omitempty"`
}

// CircuitBreaker stops hammering a directory that keeps failing. A sync pass
// against an open breaker fails fast and is retried on the next cache refresh.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	state        CircuitState
	logger       *zap.Logger
	now          func() time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker with the given configuration
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cbStateGauge.WithLabelValues(cfg.Name).Set(0)
	return &CircuitBreaker{
		name:         cfg.Name,
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Execute runs fn through the breaker. Context cancellation is not counted as
// a directory failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			until := cb.lastFailure.Add(cb.resetTimeout)
			cb.mu.Unlock()
			cbCallsTotal.WithLabelValues(cb.name, "rejected").Inc()
			return fmt.Errorf("%s: %w until %s", cb.name, ErrCircuitOpen, until.Format(time.RFC3339))
		}
		cb.transition(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			if cb.state != StateOpen {
				cb.logger.Error("Directory circuit opened",
					zap.String("target", cb.name),
					zap.Int("failures", cb.failures),
					zap.Duration("reset_timeout", cb.resetTimeout),
					zap.Error(err))
			}
			cb.transition(StateOpen)
		}
		cbCallsTotal.WithLabelValues(cb.name, "failure").Inc()
		return err
	}
	if err != nil {
		return err
	}

	if cb.state == StateHalfOpen {
		cb.logger.Info("Directory circuit recovered", zap.String("target", cb.name))
	}
	cb.failures = 0
	cb.transition(StateClosed)
	cbCallsTotal.WithLabelValues(cb.name, "success").Inc()
	return nil
}

// transition changes state and records metrics (must be called with lock held)
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	cbStateGauge.WithLabelValues(cb.name).Set(stateToFloat(to))
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current stats for readiness reporting
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	stats := CircuitBreakerStats{
		Name:     cb.name,
		State:    cb.state,
		Failures: cb.failures,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		stats.LastFailure = &t
	}
	return stats
}
