package loginprotection

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count int64
	last  time.Time
}

// Memory is a single-instance Store
type Memory struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	entries map[Key]entry
}

// NewMemory creates an in-process store
func NewMemory(policy Policy) *Memory {
	return &Memory{
		policy:  policy.withDefaults(),
		now:     time.Now,
		entries: make(map[Key]entry),
	}
}

func (m *Memory) get(key Key, now time.Time) (entry, bool) {
	e, ok := m.entries[key]
	if ok && now.Sub(e.last) >= m.policy.ResetAfter {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, ok
}

func (m *Memory) Offset(_ context.Context, key Key) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.get(key, now)
	if !ok {
		return 0, nil
	}
	return m.policy.remaining(e.count, e.last, now), nil
}

func (m *Memory) Increment(_ context.Context, key Key) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, _ := m.get(key, now)
	e.count++
	e.last = now
	m.entries[key] = e
	return m.policy.remaining(e.count, e.last, now), nil
}

func (m *Memory) Clear(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
