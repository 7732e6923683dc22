// Package identitycache holds a periodically refreshed snapshot of all
// internal users and groups. Every refresh is handed to the registered
// listeners, which is what drives directory sync passes.
package identitycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/metrics"
	"github.com/openidx/idsync/internal/store"
)

// RefreshListener is notified after every successful refresh. Implementations
// must return quickly.
type RefreshListener interface {
	AfterCacheRefresh(users []store.User, groups []store.Group)
}

// Options tunes the cache. Zero values keep the defaults.
type Options struct {
	RefreshInterval time.Duration
	LookupSize      int
	LookupTTL       time.Duration
}

// Cache is the identity snapshot
type Cache struct {
	store  store.Store
	opts   Options
	logger *zap.Logger

	lookups *expirable.LRU[int64, store.User]

	mu          sync.RWMutex
	users       []store.User
	groups      []store.Group
	expired     bool
	lastRefresh time.Time
	listeners   []RefreshListener

	// refreshMu serializes refreshes so listeners see snapshots in order
	refreshMu sync.Mutex
	kick      chan struct{}
	done      chan struct{}
}

// New creates a cache. Nothing is loaded until Refresh or Run.
func New(st store.Store, opts Options, logger *zap.Logger) *Cache {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Minute
	}
	if opts.LookupSize <= 0 {
		opts.LookupSize = 1024
	}
	if opts.LookupTTL <= 0 {
		opts.LookupTTL = 5 * time.Minute
	}
	return &Cache{
		store:   st,
		opts:    opts,
		logger:  logger.With(zap.String("component", "identity-cache")),
		lookups: expirable.NewLRU[int64, store.User](opts.LookupSize, nil, opts.LookupTTL),
		expired: true,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// AddListener registers l for future refreshes
func (c *Cache) AddListener(l RefreshListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// SetExpired marks the snapshot stale and wakes Run for an early refresh
func (c *Cache) SetExpired() {
	c.mu.Lock()
	c.expired = true
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Expired reports whether the snapshot needs a refresh
func (c *Cache) Expired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expired
}

// LastRefresh returns the time of the last successful refresh
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Refresh reloads users and groups, deleted ones included, and notifies the
// listeners with copies of the new snapshot
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	users, err := c.store.SelectAllUsers(ctx, true)
	if err != nil {
		metrics.RecordCacheRefresh("error")
		return fmt.Errorf("failed to load users: %w", err)
	}
	groups, err := c.store.GetAllGroups(ctx, true)
	if err != nil {
		metrics.RecordCacheRefresh("error")
		return fmt.Errorf("failed to load groups: %w", err)
	}
	// a refresh that outlived shutdown must not start new sync passes
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.users = users
	c.groups = groups
	c.expired = false
	c.lastRefresh = time.Now()
	listeners := append([]RefreshListener(nil), c.listeners...)
	c.mu.Unlock()

	c.lookups.Purge()
	metrics.RecordCacheRefresh("ok")
	c.logger.Debug("Identity cache refreshed", zap.Int("users", len(users)), zap.Int("groups", len(groups)))

	for _, l := range listeners {
		l.AfterCacheRefresh(cloneUsers(users), cloneGroups(groups))
	}
	return nil
}

// Run refreshes at startup, on every interval tick and whenever SetExpired
// is called, until ctx is cancelled. It must be called once.
func (c *Cache) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	if ctx.Err() != nil {
		return
	}
	c.refreshLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshLogged(ctx)
		case <-c.kick:
			c.refreshLogged(ctx)
		}
	}
}

// Wait blocks until Run has returned
func (c *Cache) Wait() {
	<-c.done
}

func (c *Cache) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("Identity cache refresh failed", zap.Error(err))
	}
}

// Users returns a copy of the snapshot's users
func (c *Cache) Users() []store.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneUsers(c.users)
}

// Groups returns a copy of the snapshot's groups
func (c *Cache) Groups() []store.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneGroups(c.groups)
}

// GetUser returns a user by id. Lookups are cached for LookupTTL and dropped
// on every refresh.
func (c *Cache) GetUser(ctx context.Context, id int64) (*store.User, error) {
	if u, ok := c.lookups.Get(id); ok {
		metrics.RecordCacheLookup(true)
		u = u.Clone()
		return &u, nil
	}
	metrics.RecordCacheLookup(false)

	u, err := c.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	c.lookups.Add(id, u.Clone())
	return u, nil
}

// GetUserByUsername always reads through to the store
func (c *Cache) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return c.store.GetUserByUsername(ctx, username)
}

// Invalidate drops a cached lookup after the user was written
func (c *Cache) Invalidate(id int64) {
	c.lookups.Remove(id)
}

// SetTwoFactorSecret writes through to the store and drops the cached user
func (c *Cache) SetTwoFactorSecret(ctx context.Context, userID int64, secret string) error {
	defer c.Invalidate(userID)
	return c.store.SetTwoFactorSecret(ctx, userID, secret)
}

func cloneUsers(in []store.User) []store.User {
	out := make([]store.User, len(in))
	for i, u := range in {
		out[i] = u.Clone()
	}
	return out
}

func cloneGroups(in []store.Group) []store.Group {
	out := make([]store.Group, len(in))
	for i, g := range in {
		out[i] = g.Clone()
	}
	return out
}
