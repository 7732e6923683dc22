package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openidx/idsync/internal/metrics"
)

// TokenType scopes an access token to one API surface. Each type is also its
// own login-protection bucket.
type TokenType string

const (
	TokenRESTClient   TokenType = "REST_CLIENT"
	TokenCalendarREST TokenType = "CALENDAR_REST"
	TokenDAV          TokenType = "DAV_TOKEN"

	// TokenLogin is the throttle bucket of the login form. No token of this
	// type is ever issued.
	TokenLogin TokenType = "LOGIN"
)

// ErrTokenInvalid is returned for an unknown, revoked or wrong token
var ErrTokenInvalid = errors.New("invalid access token")

// ParseTokenType validates a token type taken from a request
func ParseTokenType(s string) (TokenType, error) {
	switch t := TokenType(strings.ToUpper(s)); t {
	case TokenRESTClient, TokenCalendarREST, TokenDAV:
		return t, nil
	}
	return "", fmt.Errorf("unknown token type %q", s)
}

// TokenStore keeps one access token per user and type. Only the SHA-256 of a
// token is stored.
type TokenStore struct {
	redis  *redis.Client
	prefix string
}

// NewTokenStore creates a Redis-backed token store
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{redis: client, prefix: "idsync:tokens:"}
}

func (ts *TokenStore) key(userID int64) string {
	return ts.prefix + strconv.FormatInt(userID, 10)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue creates a new token of type tt for the user, replacing any previous one.
// The plaintext is returned once.
func (ts *TokenStore) Issue(ctx context.Context, userID int64, tt TokenType) (string, error) {
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := ts.redis.HSet(ctx, ts.key(userID), string(tt), hashToken(token)).Err(); err != nil {
		metrics.RecordTokenOperation(string(tt), "issue", "error")
		return "", fmt.Errorf("store token: %w", err)
	}
	metrics.RecordTokenOperation(string(tt), "issue", "success")
	return token, nil
}

// Validate compares token with the stored hash in constant time
func (ts *TokenStore) Validate(ctx context.Context, userID int64, tt TokenType, token string) error {
	stored, err := ts.redis.HGet(ctx, ts.key(userID), string(tt)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.RecordTokenOperation(string(tt), "validate", "failure")
		return ErrTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashToken(token))) != 1 {
		metrics.RecordTokenOperation(string(tt), "validate", "failure")
		return ErrTokenInvalid
	}
	metrics.RecordTokenOperation(string(tt), "validate", "success")
	return nil
}

// Revoke deletes the token of type tt
func (ts *TokenStore) Revoke(ctx context.Context, userID int64, tt TokenType) error {
	if err := ts.redis.HDel(ctx, ts.key(userID), string(tt)).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	metrics.RecordTokenOperation(string(tt), "revoke", "success")
	return nil
}

// RevokeAll deletes every token of the user
func (ts *TokenStore) RevokeAll(ctx context.Context, userID int64) error {
	if err := ts.redis.Del(ctx, ts.key(userID)).Err(); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	metrics.RecordTokenOperation("*", "revoke_all", "success")
	return nil
}
