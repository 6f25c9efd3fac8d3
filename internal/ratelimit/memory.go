package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory.
// It suits a single instance; use RedisLimiter when running several.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// NewMemoryLimiter allows limit requests per window per key.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		ttl:     2 * window,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.seen = time.Now()
	return b.lim.Allow(), nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, b := range m.buckets {
				if now.Sub(b.seen) > m.ttl {
					delete(m.buckets, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the background sweeper.
func (m *MemoryLimiter) Close() error {
	close(m.stop)
	return nil
}
