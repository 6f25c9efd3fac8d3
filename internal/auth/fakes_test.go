package auth

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
	accountrepo "github.com/ovaphlow/pitchfork/service-tracker/internal/account/repo"
	authentity "github.com/ovaphlow/pitchfork/service-tracker/internal/auth/entity"
)

// memAccounts is an in-memory AccountStore. Reads return copies like a database would.
type memAccounts struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*entity.Account

	// beforeSave runs inside SaveLockState before the compare, to simulate a
	// concurrent writer.
	beforeSave func(stored *entity.Account)
	saves      int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: map[int64]*entity.Account{}}
}

func (m *memAccounts) add(a entity.Account) *entity.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	if a.Status == "" {
		a.Status = entity.StatusActive
	}
	if a.Role == "" {
		a.Role = entity.RoleTeamMember
	}
	m.byID[a.ID] = &a
	cp := a
	return &cp
}

func (m *memAccounts) get(id int64) entity.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

func (m *memAccounts) findLocked(email string) *entity.Account {
	for _, a := range m.byID {
		if strings.EqualFold(a.Email, email) {
			return a
		}
	}
	return nil
}

func (m *memAccounts) Create(_ context.Context, a *entity.Account) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLocked(a.Email) != nil {
		return 0, accountrepo.ErrDuplicateEmail
	}
	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.byID[a.ID] = &cp
	return a.ID, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(email)
	if a == nil {
		return nil, sql.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByID(_ context.Context, id int64) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) SaveLockState(_ context.Context, id int64, expected, next entity.LockState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	m.saves++
	if m.beforeSave != nil {
		hook := m.beforeSave
		m.beforeSave = nil
		hook(a)
	}
	if !sameLockState(a.LockState(), expected) {
		return false, nil
	}
	a.ApplyLockState(next)
	return true, nil
}

func (m *memAccounts) SetOTP(_ context.Context, id int64, otp entity.OTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID[id]
	code, typ, exp := otp.Code, otp.Type, otp.ExpireAt
	a.OTPCode, a.OTPCodeType, a.OTPExpireAt = &code, &typ, &exp
	return nil
}

func (m *memAccounts) redeem(email string, code int, t entity.OTPType, now time.Time) *entity.Account {
	a := m.findLocked(email)
	if a == nil || a.Status.Terminal() || a.OTPCode == nil || a.OTPCodeType == nil || a.OTPExpireAt == nil {
		return nil
	}
	if *a.OTPCode != code || *a.OTPCodeType != t || !a.OTPExpireAt.After(now) {
		return nil
	}
	a.OTPCode, a.OTPCodeType, a.OTPExpireAt = nil, nil, nil
	return a
}

func (m *memAccounts) RedeemEmailVerification(_ context.Context, email string, code int, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.redeem(email, code, entity.OTPEmailVerification, now)
	if a == nil {
		return 0, sql.ErrNoRows
	}
	a.EmailVerified = true
	return a.ID, nil
}

func (m *memAccounts) ResetPasswordWithOTP(_ context.Context, email string, code int, now time.Time, hash string) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.redeem(email, code, entity.OTPPasswordReset, now)
	if a == nil {
		return 0, "", sql.ErrNoRows
	}
	a.PasswordHash = hash
	return a.ID, a.Username, nil
}

func (m *memAccounts) ChangeEmail(_ context.Context, id int64, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if other := m.findLocked(email); other != nil && other.ID != id {
		return accountrepo.ErrDuplicateEmail
	}
	a, ok := m.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.Email = email
	a.EmailVerified = false
	a.OTPCode, a.OTPCodeType, a.OTPExpireAt = nil, nil, nil
	return nil
}

type memRefresh struct {
	mu     sync.Mutex
	nextID int64
	byHash map[string]*authentity.RefreshToken
}

func newMemRefresh() *memRefresh {
	return &memRefresh{byHash: map[string]*authentity.RefreshToken{}}
}

func (m *memRefresh) Save(_ context.Context, userID int64, tokenHash string, expiresAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.byHash[tokenHash] = &authentity.RefreshToken{ID: m.nextID, UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt}
	return m.nextID, nil
}

func (m *memRefresh) GetByHash(_ context.Context, tokenHash string) (*authentity.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byHash[tokenHash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (m *memRefresh) Revoke(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byHash[tokenHash]; ok {
		t.Revoked = true
	}
	return nil
}

func (m *memRefresh) RevokeAllForUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byHash {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memRefresh) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}

// plainHasher skips bcrypt so tests stay fast. It counts Verify calls.
type plainHasher struct {
	mu       sync.Mutex
	verifies int
}

func (h *plainHasher) Hash(pw string) (string, error) { return "plain:" + pw, nil }

func (h *plainHasher) Verify(hash, pw string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return hash == "plain:"+pw
}

func (h *plainHasher) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

type fixedCode int

func (c fixedCode) Generate() (int, error) { return int(c), nil }

type sentMail struct {
	kind string
	to   string
	code int
}

type memMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *memMailer) SendVerificationCode(_ context.Context, to string, code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{"verification", to, code})
	return nil
}

func (m *memMailer) SendPasswordResetCode(_ context.Context, to string, code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{"password_reset", to, code})
	return nil
}

func (m *memMailer) last() (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMail{}, false
	}
	return m.sent[len(m.sent)-1], true
}

type memAudit struct {
	mu        sync.Mutex
	kinds     []string
	usernames []string
}

func (m *memAudit) Record(_ context.Context, _ int64, username string, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
	m.usernames = append(m.usernames, username)
}

// username returns who the last event of kind was recorded for.
func (m *memAudit) username(kind string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.kinds) - 1; i >= 0; i-- {
		if m.kinds[i] == kind {
			return m.usernames[i]
		}
	}
	return ""
}

func (m *memAudit) has(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		Issuer:        "project-tracker-test",
		AccessTTL:     AccessTokenTTL,
		RefreshTTL:    RefreshTokenTTL,
	}
}

type fixture struct {
	svc      *Service
	accounts *memAccounts
	refresh  *memRefresh
	hasher   *plainHasher
	mailer   *memMailer
	audit    *memAudit
	clock    *clock
	tokens   *TokenIssuer
}

const testCode = 424242

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		accounts: newMemAccounts(),
		refresh:  newMemRefresh(),
		hasher:   &plainHasher{},
		mailer:   &memMailer{},
		audit:    &memAudit{},
		clock:    &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		tokens:   NewTokenIssuer(testConfig()),
	}
	f.svc = NewService(Deps{
		Accounts: f.accounts,
		Refresh:  f.refresh,
		Hasher:   f.hasher,
		Tokens:   f.tokens,
		Codes:    fixedCode(testCode),
		Mailer:   f.mailer,
		Audit:    f.audit,
		Now:      f.clock.Now,
	})
	return f
}

func (f *fixture) addUser(email, password string, verified bool) *entity.Account {
	return f.accounts.add(entity.Account{
		Username:      strings.Split(email, "@")[0],
		Email:         email,
		PasswordHash:  "plain:" + password,
		EmailVerified: verified,
	})
}
