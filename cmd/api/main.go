package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	accountrepo "github.com/ovaphlow/pitchfork/service-tracker/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/audit"
	auditrepo "github.com/ovaphlow/pitchfork/service-tracker/internal/audit/repo"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/auth"
	authrepo "github.com/ovaphlow/pitchfork/service-tracker/internal/auth/repo"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/mail"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/metrics"
	notificationrepo "github.com/ovaphlow/pitchfork/service-tracker/internal/notification/repo"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/router"
	"github.com/ovaphlow/pitchfork/service-tracker/pkg/database"
	"github.com/ovaphlow/pitchfork/service-tracker/pkg/utilities"
)

const refreshSweepInterval = time.Hour

func main() {
	// best-effort: without a .env the real environment is used
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-tracker")

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		sugar.Fatalf("auth config: %v", err)
	}

	dbCfg := database.ConfigFromEnv()
	db, err := database.Connect(dbCfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	accounts := accountrepo.NewAccountRepo(db)
	refreshTokens := authrepo.NewRefreshRepo(db)
	notifications := notificationrepo.NewNotificationRepo(db)
	auditEvents := auditrepo.NewAuditRepo(db)

	if dbCfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		// users first, the rest reference it
		steps := []struct {
			table  string
			ensure func(context.Context) error
		}{
			{"users", accounts.EnsureTable},
			{"refresh_tokens", refreshTokens.EnsureTable},
			{"notifications", notifications.EnsureTable},
			{"audit_logs", auditEvents.EnsureTable},
		}
		for _, s := range steps {
			if err := s.ensure(ctx); err != nil {
				sugar.Fatalf("ensure %s table: %v", s.table, err)
			}
		}
		cancel()
	}

	metrics.Init()

	mailer := mail.NewAsync(mail.New(mail.ConfigFromEnv(), sugar), sugar, 128)
	recorder := audit.NewRecorder(auditEvents, sugar, 512)

	rlCfg := ratelimit.ConfigFromEnv()
	limiter, closeLimiter, err := ratelimit.New(rlCfg)
	if err != nil {
		sugar.Fatalf("rate limiter: %v", err)
	}
	proxies, err := ratelimit.ParseProxies(rlCfg.TrustedProxies)
	if err != nil {
		sugar.Fatalf("TRUSTED_PROXIES: %v", err)
	}

	tokens := auth.NewTokenIssuer(authCfg)
	svc := auth.NewService(auth.Deps{
		Accounts: accounts,
		Refresh:  refreshTokens,
		Tokens:   tokens,
		Mailer:   mailer,
		Audit:    recorder,
		Logger:   sugar,
	})

	routerCfg := router.ConfigFromEnv()
	handler := router.RegisterRoutes(routerCfg, router.Deps{
		Auth:          auth.NewHandler(authCfg, svc, sugar),
		Authenticator: auth.NewAuthenticator(authCfg, accounts, refreshTokens, notifications, tokens, sugar),
		CSRF:          auth.NewCSRFGuard(authCfg),
		Limiter:       limiter,
		LimitWindow:   rlCfg.Window,
		Proxies:       proxies,
	}, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepRefreshTokens(ctx, refreshTokens, sugar)

	srv := &http.Server{
		Addr:              routerCfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("http server listening", "addr", routerCfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	// flush queued work before the pool closes
	mailer.Close()
	recorder.Close()
	if err := closeLimiter(); err != nil {
		sugar.Warnf("rate limiter close failed: %v", err)
	}

	sugar.Info("goodbye")
}

// sweepRefreshTokens deletes expired refresh token rows until ctx is done.
func sweepRefreshTokens(ctx context.Context, repo *authrepo.RefreshRepo, logger *zap.SugaredLogger) {
	t := time.NewTicker(refreshSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.DeleteExpired(ctx, now)
			if err != nil {
				logger.Warnw("refresh token sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Infow("expired refresh tokens deleted", "count", n)
			}
		}
	}
}
