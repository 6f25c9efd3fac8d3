package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
)

type stubUnread struct {
	n   int
	err error
}

func (s stubUnread) CountUnread(context.Context, int64) (int, error) { return s.n, s.err }

type failingAccounts struct{}

func (failingAccounts) GetByID(context.Context, int64) (*entity.Account, error) {
	return nil, errors.New("connection refused")
}

func echoIdentity() http.Handler {
	return WithIdentity(func(w http.ResponseWriter, r *http.Request, id Identity) {
		writeJSON(w, http.StatusOK, id)
	})
}

func serve(a *Authenticator, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	a.Middleware(echoIdentity()).ServeHTTP(rr, req)
	return rr
}

func accessCookie(v string) *http.Cookie  { return &http.Cookie{Name: AccessCookieName, Value: v} }
func refreshCookie(v string) *http.Cookie { return &http.Cookie{Name: RefreshCookieName, Value: v} }

func expiredAccess(t *testing.T, id int64, email string) string {
	t.Helper()
	old := NewTokenIssuer(testConfig())
	old.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	tok, _, err := old.IssueAccess(id, email)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return tok
}

func persistedRefresh(t *testing.T, f *fixture, id int64, email string) string {
	t.Helper()
	tok, exp, err := f.tokens.IssueRefresh(id, email)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := f.refresh.Save(context.Background(), id, HashToken(tok), exp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return tok
}

func TestMiddlewareRejectsMissingCookies(t *testing.T) {
	f := newFixture(t)
	a := NewAuthenticator(testConfig(), f.accounts, f.refresh, nil, f.tokens, nil)
	if rr := serve(a); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMiddlewareAttachesIdentityFromAccessToken(t *testing.T) {
	f := newFixture(t)
	acc := f.addUser("ada@example.com", "pw", true)
	a := NewAuthenticator(testConfig(), f.accounts, f.refresh, stubUnread{n: 3}, f.tokens, nil)
	tok, _, _ := f.tokens.IssueAccess(acc.ID, acc.Email)

	rr := serve(a, accessCookie(tok))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var id Identity
	if err := json.NewDecoder(rr.Body).Decode(&id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.ID != acc.ID || id.Role != entity.RoleTeamMember || id.UnreadNotificationCount != 3 {
		t.Fatalf("unexpected identity %+v", id)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatalf("a valid access token must not trigger renewal")
	}
}

func TestMiddlewareSilentlyRenewsFromRefreshToken(t *testing.T) {
	f := newFixture(t)
	acc := f.addUser("ada@example.com", "pw", true)
	a := NewAuthenticator(testConfig(), f.accounts, f.refresh, nil, f.tokens, nil)
	refresh := persistedRefresh(t, f, acc.ID, acc.Email)

	for name, cookies := range map[string][]*http.Cookie{
		"expired access": {accessCookie(expiredAccess(t, acc.ID, acc.Email)), refreshCookie(refresh)},
		"no access":      {refreshCookie(refresh)},
	} {
		rr := serve(a, cookies...)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", name, rr.Code)
		}
		var renewed *http.Cookie
		for _, c := range rr.Result().Cookies() {
			if c.Name == AccessCookieName {
				renewed = c
			}
		}
		if renewed == nil || !renewed.HttpOnly {
			t.Fatalf("%s: expected a new httpOnly access cookie", name)
		}
		if _, err := f.tokens.VerifyAccess(renewed.Value); err != nil {
			t.Fatalf("%s: renewed token does not verify: %v", name, err)
		}
	}
}

func TestMiddlewareRejectsUnusableRefreshTokens(t *testing.T) {
	f := newFixture(t)
	acc := f.addUser("ada@example.com", "pw", true)
	other := f.addUser("eve@example.com", "pw", true)
	a := NewAuthenticator(testConfig(), f.accounts, f.refresh, nil, f.tokens, nil)
	ctx := context.Background()

	revoked := persistedRefresh(t, f, acc.ID, acc.Email)
	_ = f.refresh.Revoke(ctx, HashToken(revoked))

	unknown, _, _ := f.tokens.IssueRefresh(acc.ID, acc.Email)

	// a row belonging to someone else under this token's hash
	mismatched, exp, _ := f.tokens.IssueRefresh(acc.ID, acc.Email)
	_, _ = f.refresh.Save(ctx, other.ID, HashToken(mismatched), exp)

	expiredRow, _, _ := f.tokens.IssueRefresh(acc.ID, acc.Email)
	_, _ = f.refresh.Save(ctx, acc.ID, HashToken(expiredRow), time.Now().Add(-time.Minute))

	for name, tok := range map[string]string{
		"revoked":     revoked,
		"unknown":     unknown,
		"mismatched":  mismatched,
		"expired row": expiredRow,
		"garbage":     "garbage",
	} {
		rr := serve(a, refreshCookie(tok))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rr.Code)
		}
		for _, c := range rr.Result().Cookies() {
			if c.Name == AccessCookieName {
				t.Fatalf("%s: no access cookie may be minted", name)
			}
		}
	}
}

func TestMiddlewareRejectsBannedAndMissingAccounts(t *testing.T) {
	f := newFixture(t)
	acc := f.addUser("ada@example.com", "pw", true)
	f.accounts.mu.Lock()
	f.accounts.byID[acc.ID].Status = entity.StatusBanned
	f.accounts.mu.Unlock()
	a := NewAuthenticator(testConfig(), f.accounts, f.refresh, nil, f.tokens, nil)

	tok, _, _ := f.tokens.IssueAccess(acc.ID, acc.Email)
	if rr := serve(a, accessCookie(tok)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("banned: expected 401, got %d", rr.Code)
	}
	ghost, _, _ := f.tokens.IssueAccess(999, "ghost@example.com")
	if rr := serve(a, accessCookie(ghost)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing account: expected 401, got %d", rr.Code)
	}
}

func TestMiddlewareHidesUnexpectedFailures(t *testing.T) {
	f := newFixture(t)
	a := NewAuthenticator(testConfig(), failingAccounts{}, f.refresh, nil, f.tokens, nil)
	tok, _, _ := f.tokens.IssueAccess(1, "ada@example.com")

	rr := serve(a, accessCookie(tok))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var body errorBody
	_ = json.NewDecoder(rr.Body).Decode(&body)
	if body.Error != ErrAuthFailed.Message {
		t.Fatalf("expected generic message, got %q", body.Error)
	}
}

func TestMiddlewareDegradesUnreadCount(t *testing.T) {
	f := newFixture(t)
	acc := f.addUser("ada@example.com", "pw", true)
	a := NewAuthenticator(testConfig(), f.accounts, f.refresh, stubUnread{err: errors.New("timeout")}, f.tokens, nil)
	tok, _, _ := f.tokens.IssueAccess(acc.ID, acc.Email)

	rr := serve(a, accessCookie(tok))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var id Identity
	_ = json.NewDecoder(rr.Body).Decode(&id)
	if id.UnreadNotificationCount != 0 {
		t.Fatalf("expected 0 unread, got %d", id.UnreadNotificationCount)
	}
}
