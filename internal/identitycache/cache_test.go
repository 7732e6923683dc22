package identitycache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/idsync/internal/store"
)

type recordingListener struct {
	mu    sync.Mutex
	calls [][]store.User
	ch    chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{ch: make(chan struct{}, 16)}
}

func (l *recordingListener) AfterCacheRefresh(users []store.User, _ []store.Group) {
	l.mu.Lock()
	l.calls = append(l.calls, users)
	l.mu.Unlock()
	l.ch <- struct{}{}
}

func (l *recordingListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not notified")
	}
}

func seed(t *testing.T) (*store.Memory, *store.User) {
	t.Helper()
	st := store.NewMemory(nil, nil)
	alice := &store.User{Username: "alice", FirstName: "Alice"}
	require.NoError(t, st.InsertUser(context.Background(), alice, false))
	gone := &store.User{Username: "gone", Deleted: true}
	require.NoError(t, st.InsertUser(context.Background(), gone, false))
	require.NoError(t, st.InsertGroup(context.Background(), &store.Group{Name: "Admins"}, false))
	return st, alice
}

func TestRefresh_NotifiesListenersWithDeletedUsers(t *testing.T) {
	st, _ := seed(t)
	c := New(st, Options{}, zaptest.NewLogger(t))
	l := newRecordingListener()
	c.AddListener(l)

	assert.True(t, c.Expired())
	require.NoError(t, c.Refresh(context.Background()))
	l.wait(t)

	assert.False(t, c.Expired())
	assert.False(t, c.LastRefresh().IsZero())
	require.Len(t, l.calls, 1)
	assert.Len(t, l.calls[0], 2)
	assert.Len(t, c.Groups(), 1)

	// listeners get their own copies
	l.calls[0][0].FirstName = "changed"
	assert.Equal(t, "Alice", c.Users()[0].FirstName)
}

func TestRun_RefreshesOnSetExpired(t *testing.T) {
	st, _ := seed(t)
	c := New(st, Options{RefreshInterval: time.Hour}, zaptest.NewLogger(t))
	l := newRecordingListener()
	c.AddListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	l.wait(t) // startup refresh
	c.SetExpired()
	l.wait(t)

	cancel()
	<-done
	c.Wait()
	assert.Len(t, l.calls, 2)
}

// gatedStore holds SelectAllUsers until released
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) SelectAllUsers(ctx context.Context, includeDeleted bool) ([]store.User, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.SelectAllUsers(ctx, includeDeleted)
}

func TestRun_CancelledRefreshNotifiesNobody(t *testing.T) {
	st, _ := seed(t)
	gated := &gatedStore{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	c := New(gated, Options{RefreshInterval: time.Hour}, zaptest.NewLogger(t))
	l := newRecordingListener()
	c.AddListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	<-gated.entered
	cancel()
	close(gated.release)

	stopped := make(chan struct{})
	go func() {
		c.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, l.calls)
	assert.True(t, c.Expired())
}

func TestUser_CachedUntilRefresh(t *testing.T) {
	st, alice := seed(t)
	c := New(st, Options{}, zaptest.NewLogger(t))
	ctx := context.Background()

	u, err := c.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.FirstName)

	alice.FirstName = "Alicia"
	require.NoError(t, st.UpdateUser(ctx, alice, false))

	u, err = c.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.FirstName)

	require.NoError(t, c.Refresh(ctx))
	u, err = c.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", u.FirstName)

	alice.FirstName = "Ali"
	require.NoError(t, st.UpdateUser(ctx, alice, false))
	c.Invalidate(alice.ID)
	u, err = c.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ali", u.FirstName)

	_, err = c.GetUser(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetExpired_DoesNotBlock(t *testing.T) {
	st, _ := seed(t)
	c := New(st, Options{}, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		c.SetExpired()
	}
	assert.True(t, c.Expired())
}

func TestSetTwoFactorSecret_DropsCachedUser(t *testing.T) {
	st, alice := seed(t)
	c := New(st, Options{}, zaptest.NewLogger(t))
	ctx := context.Background()

	u, err := c.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, u.TwoFactorSecret)

	require.NoError(t, c.SetTwoFactorSecret(ctx, alice.ID, "sealed"))
	u, err = c.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed", u.TwoFactorSecret)
}
