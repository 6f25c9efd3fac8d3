package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Limiter decides whether another request for key fits in its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Config struct {
	// Limit requests per Window per client and route.
	Limit    int
	Window   time.Duration
	RedisURL string
	// TrustedProxies is a comma separated CIDR list, see ParseProxies.
	TrustedProxies string
}

// ConfigFromEnv reads limiter settings. RATE_LIMIT=0 disables limiting.
// TRUSTED_PROXIES lists the reverse proxies allowed to set X-Forwarded-For.
func ConfigFromEnv() Config {
	limit, err := strconv.Atoi(os.Getenv("RATE_LIMIT"))
	if err != nil || limit < 0 {
		limit = 10
	}
	window, err := time.ParseDuration(os.Getenv("RATE_LIMIT_WINDOW"))
	if err != nil || window <= 0 {
		window = time.Minute
	}
	return Config{
		Limit:          limit,
		Window:         window,
		RedisURL:       os.Getenv("REDIS_URL"),
		TrustedProxies: os.Getenv("TRUSTED_PROXIES"),
	}
}

// Middleware rejects requests over budget with 429. Keys combine scope and client IP.
// Limiter errors let the request through.
func Middleware(l Limiter, proxies Proxies, scope string, window time.Duration, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Allow(r.Context(), scope+":"+proxies.ClientIP(r))
			if err != nil {
				logger.Warnw("rate limiter unavailable", "scope", scope, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests, try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
