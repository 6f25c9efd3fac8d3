package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/metrics"
)

const (
	CSRFCookieName = "csrf_token"
	CSRFHeaderName = "X-CSRF-Token"
)

var ErrCSRF = &Error{Kind: KindForbidden, Message: "invalid CSRF token"}

// CSRFGuard implements double-submit protection: the token lives in a cookie
// and must be echoed in a header on every mutating request.
type CSRFGuard struct {
	secure bool
	domain string
}

func NewCSRFGuard(cfg Config) *CSRFGuard {
	return &CSRFGuard{secure: cfg.SecureCookies, domain: cfg.CookieDomain}
}

// Issue generates a fresh token and sets it as a session cookie.
func (g *CSRFGuard) Issue(w http.ResponseWriter) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   g.domain,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Verify requires cookie and header to be present and equal.
func (g *CSRFGuard) Verify(r *http.Request) error {
	cookie := cookieValue(r, CSRFCookieName)
	header := r.Header.Get(CSRFHeaderName)
	if cookie == "" || header == "" {
		return ErrCSRF
	}
	if subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
		return ErrCSRF
	}
	return nil
}

// IssueHandler serves GET requests for a new token.
func (g *CSRFGuard) IssueHandler(w http.ResponseWriter, r *http.Request) {
	token, err := g.Issue(w)
	if err != nil {
		writeError(w, internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// Middleware rejects mutating requests that fail Verify. Reads pass through.
func (g *CSRFGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if err := g.Verify(r); err != nil {
				metrics.CSRFRejectionsTotal.Inc()
				writeError(w, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
