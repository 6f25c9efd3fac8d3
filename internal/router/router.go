package router

import (
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/auth"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-tracker/pkg/utilities"
)

type Config struct {
	Addr   string
	Prefix string
}

// ConfigFromEnv reads HTTP_ADDR; routes always live under /api.
func ConfigFromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	return Config{Addr: addr, Prefix: "/api"}
}

// Deps are the collaborators mounted on the mux.
type Deps struct {
	Auth          *auth.Handler
	Authenticator *auth.Authenticator
	CSRF          *auth.CSRFGuard
	Limiter       ratelimit.Limiter
	LimitWindow   time.Duration
	// Proxies may set X-Forwarded-For; nil keys clients on their TCP peer.
	Proxies       ratelimit.Proxies
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// RequestIDMiddleware reuses an inbound X-Request-ID or mints a ksuid, and
// echoes it on the response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(utilities.RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = utilities.NewRequestID()
			}
			w.Header().Set(utilities.RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(utilities.WithRequestID(r.Context(), id)))
		})
	}
}

// LoggingMiddleware logs one line per request. Server errors log at warn, the rest at debug.
func LoggingMiddleware(logger *zap.SugaredLogger, proxies ratelimit.Proxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			log := logger.Debugw
			if status >= http.StatusInternalServerError {
				log = logger.Warnw
			}
			log("http request",
				"request_id", utilities.RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", proxies.ClientIP(r),
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer-when-downgrade")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self';")
			}
			// auth responses carry session cookies
			w.Header().Set("Cache-Control", "no-store")

			// HSTS only over TLS, 30 days
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RegisterRoutes mounts the auth API on a standard library ServeMux.
// Public mutating routes pass CSRF and rate limiting; session routes also pass
// the authenticator.
func RegisterRoutes(cfg Config, d Deps, logger *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()
	p := cfg.Prefix

	mux.HandleFunc("GET "+p+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET "+p+"/metrics", metrics.Handler())

	mux.HandleFunc("GET "+p+"/auth/csrf-token", d.CSRF.IssueHandler)

	limited := func(scope string, h http.HandlerFunc) http.Handler {
		return chain(h, d.CSRF.Middleware, ratelimit.Middleware(d.Limiter, d.Proxies, scope, d.LimitWindow, logger))
	}
	mux.Handle("POST "+p+"/auth/register", limited("register", d.Auth.Register))
	mux.Handle("POST "+p+"/auth/login", limited("login", d.Auth.Login))
	mux.Handle("POST "+p+"/auth/verify-email", limited("verify-email", d.Auth.VerifyEmail))
	mux.Handle("POST "+p+"/auth/resend-code", limited("resend-code", d.Auth.ResendCode))
	mux.Handle("POST "+p+"/auth/forgot-password", limited("forgot-password", d.Auth.ForgotPassword))
	mux.Handle("POST "+p+"/auth/reset-password", limited("reset-password", d.Auth.ResetPassword))

	mux.Handle("POST "+p+"/auth/logout", d.CSRF.Middleware(http.HandlerFunc(d.Auth.Logout)))

	session := func(h auth.IdentityHandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
		mws = append(mws, d.Authenticator.Middleware)
		return chain(auth.WithIdentity(h), mws...)
	}
	mux.Handle("GET "+p+"/auth/me", session(d.Auth.Me))
	mux.Handle("GET "+p+"/auth/permissions", session(d.Auth.Permissions))
	mux.Handle("PUT "+p+"/auth/email", session(d.Auth.ChangeEmail, d.CSRF.Middleware))
	mux.Handle("GET "+p+"/auth/roles", chain(http.HandlerFunc(d.Auth.Roles),
		d.Authenticator.Middleware, auth.RequirePermission(auth.PermManageUsers)))

	return chain(metrics.Instrument(mux),
		RequestIDMiddleware(),
		LoggingMiddleware(logger, d.Proxies),
		SecurityHeadersMiddleware(),
	)
}
