package middleware

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/openidx/idsync/internal/common/errors"
)

// RateLimitConfig holds configuration for the rate limiter
type RateLimitConfig struct {
	Requests  int           // requests per client IP within Window
	Window    time.Duration // sliding window length
	SkipPaths []string
	KeyPrefix string
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests:  100,
		Window:    time.Minute,
		SkipPaths: []string{"/health", "/metrics"},
		KeyPrefix: "idsync:ratelimit:",
	}
}

// SlidingWindowRateLimit limits requests per client IP with a Redis sorted
// set holding the request times of the window. It answers 429 with
// Retry-After once the limit is reached. Redis errors let the request pass;
// failed logins are throttled separately by the auth pipeline.
func SlidingWindowRateLimit(rdb *redis.Client, cfg RateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	d := DefaultRateLimitConfig()
	if cfg.Requests <= 0 {
		cfg.Requests = d.Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = d.KeyPrefix
	}

	return func(c *gin.Context) {
		if slices.Contains(cfg.SkipPaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		key := cfg.KeyPrefix + c.ClientIP()
		now := time.Now()
		windowStart := now.Add(-cfg.Window)

		pipe := rdb.TxPipeline()
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixMicro(), 10))
		count := pipe.ZCard(ctx, key)
		oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		n := int(count.Val())
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(cfg.Requests-n-1, 0)))

		if n >= cfg.Requests {
			retryAfter := cfg.Window
			if zs := oldest.Val(); len(zs) > 0 {
				retryAfter = time.UnixMicro(int64(zs[0].Score)).Add(cfg.Window).Sub(now)
			}
			apperrors.AbortWithError(c, apperrors.RateLimited(retryAfter))
			return
		}

		member := fmt.Sprintf("%d-%s", now.UnixMicro(), uuid.NewString())
		pipe = rdb.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		pipe.PExpire(ctx, key, cfg.Window+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("Failed to record request for rate limiting", zap.Error(err))
		}

		c.Next()
	}
}
