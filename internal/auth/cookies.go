package auth

import (
	"net/http"
	"time"
)

const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
)

// cookieJar writes the session cookies with the attributes shared by all of them.
type cookieJar struct {
	secure bool
	domain string
}

func (c cookieJar) set(w http.ResponseWriter, name, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c cookieJar) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   c.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c cookieJar) setSession(w http.ResponseWriter, s *Session) {
	c.set(w, AccessCookieName, s.AccessToken, s.AccessExpiresAt)
	if s.RefreshToken != "" {
		c.set(w, RefreshCookieName, s.RefreshToken, s.RefreshExpiresAt)
	}
}

func (c cookieJar) clearSession(w http.ResponseWriter) {
	c.clear(w, AccessCookieName)
	c.clear(w, RefreshCookieName)
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
