package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/common/testutil"
	"github.com/openidx/idsync/internal/metrics"
)

func newTestSessionService(t *testing.T, cfg SessionConfig) (*miniredis.Miniredis, *SessionService) {
	s, client := testutil.NewRedis(t)
	return s, NewSessionService(client, cfg, zap.NewNop())
}

func TestSessionService_CreateGet(t *testing.T) {
	_, ss := newTestSessionService(t, SessionConfig{})
	ctx := context.Background()

	sess, err := ss.Create(ctx, 42, "192.168.1.1", "Mozilla/5.0")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, int64(42), sess.UserID)
	assert.Equal(t, 8*time.Hour, sess.ExpiresAt.Sub(sess.CreatedAt))

	got, err := ss.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, got.UserID)
	assert.Equal(t, "192.168.1.1", got.IPAddress)

	_, err = ss.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionService_SlidingExpiry(t *testing.T) {
	_, ss := newTestSessionService(t, SessionConfig{TTL: time.Hour})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ss.now = func() time.Time { return now }

	sess, err := ss.Create(ctx, 1, "", "")
	require.NoError(t, err)

	now = now.Add(50 * time.Minute)
	got, err := ss.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.ExpiresAt)

	now = now.Add(50 * time.Minute)
	_, err = ss.Get(ctx, sess.ID)
	assert.NoError(t, err, "the previous read extended the session")

	now = now.Add(61 * time.Minute)
	_, err = ss.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionService_RedisTTL(t *testing.T) {
	s, ss := newTestSessionService(t, SessionConfig{TTL: time.Minute})
	ctx := context.Background()

	sess, err := ss.Create(ctx, 1, "", "")
	require.NoError(t, err)

	s.FastForward(2 * time.Minute)
	_, err = ss.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionService_EvictsOldest(t *testing.T) {
	_, ss := newTestSessionService(t, SessionConfig{MaxSessions: 2})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ss.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	first, err := ss.Create(ctx, 5, "", "")
	require.NoError(t, err)
	_, err = ss.Create(ctx, 5, "", "")
	require.NoError(t, err)
	_, err = ss.Create(ctx, 5, "", "")
	require.NoError(t, err)

	sessions, err := ss.GetByUser(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.NotEqual(t, first.ID, s.ID)
	}
}

func TestSessionService_DeleteByUser(t *testing.T) {
	_, ss := newTestSessionService(t, SessionConfig{})
	ctx := context.Background()

	a, _ := ss.Create(ctx, 1, "", "")
	b, _ := ss.Create(ctx, 1, "", "")
	other, _ := ss.Create(ctx, 2, "", "")

	require.NoError(t, ss.DeleteByUser(ctx, 1, ""))

	for _, id := range []string{a.ID, b.ID} {
		_, err := ss.Get(ctx, id)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	}
	_, err := ss.Get(ctx, other.ID)
	assert.NoError(t, err)

	// deleting twice is harmless
	assert.NoError(t, ss.Delete(ctx, a.ID))
}

func TestSessionService_DeleteByUserKeepsCurrent(t *testing.T) {
	_, ss := newTestSessionService(t, SessionConfig{})
	ctx := context.Background()

	current, _ := ss.Create(ctx, 1, "", "")
	old, _ := ss.Create(ctx, 1, "", "")

	require.NoError(t, ss.DeleteByUser(ctx, 1, current.ID))

	_, err := ss.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = ss.Get(ctx, current.ID)
	assert.NoError(t, err)

	sessions, err := ss.GetByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, current.ID, sessions[0].ID)
}

func TestSessionService_LifecycleEvents(t *testing.T) {
	s, ss := newTestSessionService(t, SessionConfig{TTL: time.Minute})
	ctx := context.Background()
	count := func(event string) float64 {
		return promtestutil.ToFloat64(metrics.SessionEventsTotal.WithLabelValues(event))
	}
	created, deleted, expired := count("created"), count("deleted"), count("expired")

	a, err := ss.Create(ctx, 7, "", "")
	require.NoError(t, err)
	_, err = ss.Create(ctx, 7, "", "")
	require.NoError(t, err)
	require.NoError(t, ss.Delete(ctx, a.ID))

	// a session lapsing through the Redis TTL is not counted as ended
	s.FastForward(2 * time.Minute)

	assert.Equal(t, created+2, count("created"))
	assert.Equal(t, deleted+1, count("deleted"))
	assert.Equal(t, expired, count("expired"))
}
