package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
	authentity "github.com/ovaphlow/pitchfork/service-tracker/internal/auth/entity"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/metrics"
)

// UnreadCounter enriches the identity with the caller's unread notifications.
type UnreadCounter interface {
	CountUnread(ctx context.Context, userID int64) (int, error)
}

// AccountReader is the slice of AccountStore the resolver needs.
type AccountReader interface {
	GetByID(ctx context.Context, id int64) (*entity.Account, error)
}

// RefreshReader looks up persisted refresh tokens.
type RefreshReader interface {
	GetByHash(ctx context.Context, tokenHash string) (*authentity.RefreshToken, error)
}

// Authenticator resolves the caller from the session cookies on every request.
// Nothing is cached between requests.
type Authenticator struct {
	accounts AccountReader
	refresh  RefreshReader
	unread   UnreadCounter
	tokens   *TokenIssuer
	jar      cookieJar
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewAuthenticator(cfg Config, accounts AccountReader, refresh RefreshReader, unread UnreadCounter, tokens *TokenIssuer, logger *zap.SugaredLogger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Authenticator{
		accounts: accounts,
		refresh:  refresh,
		unread:   unread,
		tokens:   tokens,
		jar:      newCookieJar(cfg),
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve returns the identity behind r. When only the refresh cookie is usable
// a new access cookie is written to w.
func (a *Authenticator) Resolve(w http.ResponseWriter, r *http.Request) (Identity, error) {
	access := cookieValue(r, AccessCookieName)
	refresh := cookieValue(r, RefreshCookieName)
	if access == "" && refresh == "" {
		return Identity{}, ErrUnauthenticated
	}

	ctx := r.Context()
	if access != "" {
		if claims, err := a.tokens.VerifyAccess(access); err == nil {
			return a.identity(ctx, claims.ID)
		}
	}
	if refresh == "" {
		return Identity{}, ErrInvalidToken
	}

	claims, err := a.tokens.VerifyRefresh(refresh)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
		return Identity{}, ErrInvalidToken
	}
	stored, err := a.refresh.GetByHash(ctx, HashToken(refresh))
	if errors.Is(err, sql.ErrNoRows) {
		metrics.TokenRefreshTotal.WithLabelValues("unknown").Inc()
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	if stored.UserID != claims.ID || !stored.Usable(a.now()) {
		metrics.TokenRefreshTotal.WithLabelValues("revoked").Inc()
		return Identity{}, ErrInvalidToken
	}

	id, err := a.identity(ctx, claims.ID)
	if err != nil {
		return Identity{}, err
	}
	token, exp, err := a.tokens.IssueAccess(id.ID, id.Email)
	if err != nil {
		return Identity{}, err
	}
	a.jar.set(w, AccessCookieName, token, exp)
	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	return id, nil
}

func (a *Authenticator) identity(ctx context.Context, userID int64) (Identity, error) {
	acc, err := a.accounts.GetByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	if acc.Status.Terminal() {
		return Identity{}, ErrUnauthenticated
	}
	unread := 0
	if a.unread != nil {
		n, err := a.unread.CountUnread(ctx, acc.ID)
		if err != nil {
			a.logger.Warnw("count unread notifications", "user_id", acc.ID, "err", err)
		} else {
			unread = n
		}
	}
	return identityFromAccount(acc, unread), nil
}

// Middleware attaches the identity to the request context or answers 401.
// Unexpected failures are logged and reported as a generic authentication failure.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Resolve(w, r)
		if err != nil {
			var e *Error
			if !errors.As(err, &e) {
				a.logger.Errorw("session resolution failed", "path", r.URL.Path, "err", err)
				err = ErrAuthFailed
			}
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}
