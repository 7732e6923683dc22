package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/metrics"
)

var (
	// ErrSessionNotFound is returned when a session does not exist or expired
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSessionData is returned when session data is invalid
	ErrInvalidSessionData = errors.New("invalid session data")
)

// Session is a login session referenced by the session cookie
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// SessionConfig holds configuration for session management
type SessionConfig struct {
	TTL                time.Duration // sliding session timeout
	MaxSessions        int           // concurrent sessions per user; the oldest is evicted
	KeyPrefix          string
	UserSessionsPrefix string
}

// DefaultSessionConfig returns sensible defaults for session configuration
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:                8 * time.Hour,
		MaxSessions:        5,
		KeyPrefix:          "idsync:session:",
		UserSessionsPrefix: "idsync:user_sessions:",
	}
}

// SessionService handles session lifecycle in Redis
type SessionService struct {
	redis  *redis.Client
	config SessionConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSessionService creates a new SessionService. Zero config fields keep the defaults.
func NewSessionService(redisClient *redis.Client, config SessionConfig, logger *zap.Logger) *SessionService {
	d := DefaultSessionConfig()
	if config.TTL <= 0 {
		config.TTL = d.TTL
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = d.MaxSessions
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = d.KeyPrefix
	}
	if config.UserSessionsPrefix == "" {
		config.UserSessionsPrefix = d.UserSessionsPrefix
	}
	return &SessionService{
		redis:  redisClient,
		config: config,
		logger: logger.With(zap.String("component", "sessions")),
		now:    time.Now,
	}
}

// TTL returns the session lifetime, used as cookie max-age
func (ss *SessionService) TTL() time.Duration {
	return ss.config.TTL
}

// Create creates a new session for a user, evicting the oldest ones above MaxSessions
func (ss *SessionService) Create(ctx context.Context, userID int64, ipAddress, userAgent string) (*Session, error) {
	sessions, err := ss.GetByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user sessions: %w", err)
	}
	if excess := len(sessions) - ss.config.MaxSessions + 1; excess > 0 {
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
		for _, s := range sessions[:excess] {
			if err := ss.remove(ctx, s.ID, "evicted"); err != nil {
				ss.logger.Warn("failed to evict session", zap.String("session_id", s.ID), zap.Error(err))
			}
		}
	}

	now := ss.now()
	session := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ss.config.TTL),
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	userKey := ss.userSessionsKey(userID)
	_, err = ss.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ss.sessionKey(session.ID), data, ss.config.TTL)
		pipe.SAdd(ctx, userKey, session.ID)
		pipe.Expire(ctx, userKey, ss.config.TTL*2)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	metrics.RecordSessionEvent("created")
	ss.logger.Debug("created session",
		zap.String("session_id", session.ID),
		zap.Int64("user_id", userID),
		zap.Time("expires_at", session.ExpiresAt),
	)
	return session, nil
}

// Get returns a live session and slides its expiry
func (ss *SessionService) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := ss.sessionKey(sessionID)
	data, err := ss.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, ErrInvalidSessionData
	}

	now := ss.now()
	if now.After(session.ExpiresAt) {
		ss.remove(ctx, sessionID, "expired")
		return nil, ErrSessionNotFound
	}

	session.ExpiresAt = now.Add(ss.config.TTL)
	if data, err := json.Marshal(session); err == nil {
		ss.redis.Set(ctx, key, data, ss.config.TTL)
	}
	return &session, nil
}

// Delete removes a session by ID
func (ss *SessionService) Delete(ctx context.Context, sessionID string) error {
	return ss.remove(ctx, sessionID, "deleted")
}

// remove deletes a session and records why it ended
func (ss *SessionService) remove(ctx context.Context, sessionID, event string) error {
	key := ss.sessionKey(sessionID)
	data, err := ss.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	if err := ss.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	metrics.RecordSessionEvent(event)

	var session Session
	if json.Unmarshal(data, &session) == nil {
		ss.redis.SRem(ctx, ss.userSessionsKey(session.UserID), sessionID)
	}
	ss.logger.Debug("deleted session", zap.String("session_id", sessionID))
	return nil
}

// DeleteByUser removes every session of a user except keep, which may be empty
func (ss *SessionService) DeleteByUser(ctx context.Context, userID int64, keep string) error {
	userKey := ss.userSessionsKey(userID)
	ids, err := ss.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	for _, id := range ids {
		if id == keep {
			continue
		}
		if err := ss.remove(ctx, id, "revoked"); err != nil {
			ss.logger.Warn("failed to delete session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		// drops set entries whose session already lapsed
		ss.redis.SRem(ctx, userKey, id)
	}
	return nil
}

// GetByUser returns the live sessions of a user and prunes stale set entries
func (ss *SessionService) GetByUser(ctx context.Context, userID int64) ([]*Session, error) {
	userKey := ss.userSessionsKey(userID)
	ids, err := ss.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, id := range ids {
		data, err := ss.redis.Get(ctx, ss.sessionKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			ss.redis.SRem(ctx, userKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

func (ss *SessionService) sessionKey(sessionID string) string {
	return ss.config.KeyPrefix + sessionID
}

func (ss *SessionService) userSessionsKey(userID int64) string {
	return ss.config.UserSessionsPrefix + strconv.FormatInt(userID, 10)
}
