package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared by every instance.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window, prefix: "rl:"}
}

// Allow counts the hit and opens the window in one MULTI/EXEC. EXPIRE NX also
// repairs a counter that was left without a TTL.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.prefix + key
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// New builds the limiter selected by cfg: Redis when REDIS_URL is set, otherwise
// in-memory. It returns nil when limiting is disabled.
func New(cfg Config) (Limiter, func() error, error) {
	if cfg.Limit == 0 {
		return nil, func() error { return nil }, nil
	}
	if cfg.RedisURL == "" {
		m := NewMemoryLimiter(cfg.Limit, cfg.Window)
		return m, m.Close, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisLimiter(client, cfg.Limit, cfg.Window), client.Close, nil
}
