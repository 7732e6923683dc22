package directory

import "sync"

// Guard admits one sync pass per directory target at a time. A trigger that
// finds a pass running is dropped, not queued; the next periodic trigger
// picks up whatever changed meanwhile.
type Guard struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewGuard creates an idle guard
func NewGuard() *Guard {
	return &Guard{running: make(map[string]bool)}
}

// TryAcquire marks target as running. It returns false when a pass for
// target is already in flight.
func (g *Guard) TryAcquire(target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[target] {
		return false
	}
	g.running[target] = true
	return true
}

// Release marks target as idle
func (g *Guard) Release(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, target)
}

// Running reports whether a pass for target is in flight
func (g *Guard) Running(target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[target]
}
