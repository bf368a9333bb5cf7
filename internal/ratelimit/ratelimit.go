package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether a call towards the rate-limited payment
// provider may proceed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisClient is the subset of redis.Client the limiter needs
type RedisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisLimiter is a fixed-window limiter shared across worker processes.
// The batch coordinator consults it before each capture, on top of the
// fixed inter-item delay.
type RedisLimiter struct {
	redis  RedisClient
	limit  int64
	window time.Duration
	logger *zap.Logger
}

// NewRedisLimiter creates a limiter allowing limit calls per window
func NewRedisLimiter(client RedisClient, limit int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		redis:  client,
		limit:  int64(limit),
		window: window,
		logger: logger,
	}
}

// Allow reports whether the current window has budget left
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(r.window.Seconds()))

	count, err := r.redis.Incr(ctx, windowKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit error: %w", err)
	}

	// First hit in the window owns setting the expiry.
	if count == 1 {
		if err := r.redis.Expire(ctx, windowKey, r.window).Err(); err != nil {
			r.logger.Warn("Failed to set rate limit window expiry",
				zap.Error(err),
				zap.String("key", windowKey))
		}
	}

	return count <= r.limit, nil
}

// Wait blocks until the limiter admits the call or ctx is done. Errors
// from the limiter fail open: provider pacing must not halt billing.
func Wait(ctx context.Context, limiter Limiter, key string, logger *zap.Logger) error {
	for {
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			logger.Warn("Rate limiter check failed, allowing call",
				zap.Error(err),
				zap.String("key", key))
			return nil
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// NoopLimiter admits every call, used when Redis is unavailable
type NoopLimiter struct{}

// Allow implements Limiter
func (NoopLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}
