package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/day-dedications/internal/adapters/redis"
	"github.com/robertarktes/day-dedications/internal/observability"
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, period time.Duration) bool
}

// RateLimiter counts requests per fixed window in Redis so the limit holds
// across API instances.
type RateLimiter struct {
	redis  *redisadapter.Cache
	logger observability.Logger
}

func NewRateLimiter(redis *redisadapter.Cache, logger observability.Logger) *RateLimiter {
	return &RateLimiter{redis: redis, logger: logger}
}

// Allow fails open: a Redis outage must not take checkout down with it.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, period time.Duration) bool {
	fullKey := "rl:" + key

	pipe := rl.redis.Client().TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, period)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.WithError(err).Warn("rate limiter unavailable")
		return true
	}
	return incr.Val() <= int64(limit)
}
