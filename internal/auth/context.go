package auth

import (
	"context"
	"net/http"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
)

// Identity is the authenticated caller resolved for one request.
type Identity struct {
	ID                      int64       `json:"id"`
	Email                   string      `json:"email"`
	Role                    entity.Role `json:"role"`
	Username                string      `json:"username"`
	ProfilePic              *string     `json:"profile_pic"`
	UnreadNotificationCount int         `json:"unread_notification_count"`
}

func identityFromAccount(a *entity.Account, unread int) Identity {
	return Identity{
		ID:                      a.ID,
		Email:                   a.Email,
		Role:                    a.Role,
		Username:                a.Username,
		ProfilePic:              a.ProfilePic,
		UnreadNotificationCount: unread,
	}
}

type identityContextKey struct{}

// ContextWithIdentity attaches the resolved identity to ctx.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity attached by Authenticator.Middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// IdentityHandlerFunc is a handler that receives the caller explicitly.
type IdentityHandlerFunc func(w http.ResponseWriter, r *http.Request, id Identity)

// WithIdentity adapts h to a plain handler. It must sit behind the
// authentication middleware; a request without an identity gets 401.
func WithIdentity(h IdentityHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, ErrUnauthenticated)
			return
		}
		h(w, r, id)
	})
}
