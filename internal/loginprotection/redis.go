package loginprotection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idsync:login_protection:"

// Redis is a Store shared by all service instances. Each key is a hash with
// the failure count and the time of the last failure in milliseconds.
type Redis struct {
	client *redis.Client
	policy Policy
	now    func() time.Time
}

// NewRedis creates a Redis-backed store
func NewRedis(client *redis.Client, policy Policy) *Redis {
	return &Redis{
		client: client,
		policy: policy.withDefaults(),
		now:    time.Now,
	}
}

func redisKey(key Key) string {
	return keyPrefix + key.TokenType + ":" + strconv.Quote(key.User) + ":" + key.IP
}

func (r *Redis) Offset(ctx context.Context, key Key) (time.Duration, error) {
	vals, err := r.client.HMGet(ctx, redisKey(key), "count", "last").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read login protection: %w", err)
	}
	count, last, ok := parseEntry(vals)
	if !ok {
		return 0, nil
	}
	return r.policy.remaining(count, last, r.now()), nil
}

// Increment bumps the counter and stamps the failure in one transaction
func (r *Redis) Increment(ctx context.Context, key Key) (time.Duration, error) {
	k := redisKey(key)
	now := r.now()

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, k, "count", 1)
		pipe.HSet(ctx, k, "last", now.UnixMilli())
		pipe.Expire(ctx, k, r.policy.ResetAfter)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record failed login: %w", err)
	}
	return r.policy.remaining(incr.Val(), now, now), nil
}

func (r *Redis) Clear(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear login protection: %w", err)
	}
	return nil
}

func parseEntry(vals []interface{}) (int64, time.Time, bool) {
	if len(vals) != 2 {
		return 0, time.Time{}, false
	}
	countStr, ok1 := vals[0].(string)
	lastStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return 0, time.Time{}, false
	}
	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	lastMs, err := strconv.ParseInt(lastStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return count, time.UnixMilli(lastMs), true
}
