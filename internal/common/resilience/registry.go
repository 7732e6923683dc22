package resilience

import (
	"slices"
	"strings"
	"sync"
)

// Registry holds the circuit breaker of every configured directory target so
// the health endpoint can report them together
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register adds cb under its target name, replacing an earlier breaker of
// the same target
func (r *Registry) Register(cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[cb.name] = cb
}

// AllStats returns the stats of every breaker ordered by target
func (r *Registry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	slices.SortFunc(stats, func(a, b CircuitBreakerStats) int {
		return strings.Compare(a.Name, b.Name)
	})
	return stats
}

// Open returns the targets whose breaker is open, in order
func (r *Registry) Open() []string {
	var open []string
	for _, s := range r.AllStats() {
		if s.State == StateOpen {
			open = append(open, s.Name)
		}
	}
	return open
}

// IsHealthy reports whether no breaker is open
func (r *Registry) IsHealthy() bool {
	return len(r.Open()) == 0
}
