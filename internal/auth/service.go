package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
	accountrepo "github.com/ovaphlow/pitchfork/service-tracker/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/audit"
	authentity "github.com/ovaphlow/pitchfork/service-tracker/internal/auth/entity"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/metrics"
)

// AccountStore is the persistence the auth core needs from the users table.
// Lookups return sql.ErrNoRows when nothing matches.
type AccountStore interface {
	Create(ctx context.Context, a *entity.Account) (int64, error)
	GetByEmail(ctx context.Context, email string) (*entity.Account, error)
	GetByID(ctx context.Context, id int64) (*entity.Account, error)
	SaveLockState(ctx context.Context, id int64, expected, next entity.LockState) (bool, error)
	SetOTP(ctx context.Context, id int64, otp entity.OTP) error
	RedeemEmailVerification(ctx context.Context, email string, code int, now time.Time) (int64, error)
	ResetPasswordWithOTP(ctx context.Context, email string, code int, now time.Time, hash string) (int64, string, error)
	ChangeEmail(ctx context.Context, id int64, email string) error
}

// RefreshStore persists refresh token hashes.
type RefreshStore interface {
	Save(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) (int64, error)
	GetByHash(ctx context.Context, tokenHash string) (*authentity.RefreshToken, error)
	Revoke(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
}

// Mailer delivers one-time codes. Calls are fire-and-forget from the core's view.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to string, code int) error
	SendPasswordResetCode(ctx context.Context, to string, code int) error
}

// Auditor records security events best-effort.
type Auditor interface {
	Record(ctx context.Context, userID int64, username, kind string)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, int64, string, string) {}

// lockRetries bounds compare-and-set attempts on the lockout columns.
const lockRetries = 3

var (
	ErrResetUnavailable = &Error{Kind: KindValidation, Message: "password reset is not available for this account"}
	ErrNothingToVerify  = &Error{Kind: KindValidation, Message: "no pending verification for this email"}
)

// Session is the pair of bearer tokens handed to the browser.
type Session struct {
	Identity         Identity
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LoginResult holds either a session or the verification-required signal.
type LoginResult struct {
	Session              *Session
	VerificationRequired bool
}

// Service implements the login, verification and password reset flows.
type Service struct {
	accounts AccountStore
	refresh  RefreshStore
	hasher   PasswordHasher
	tokens   *TokenIssuer
	codes    CodeGenerator
	mailer   Mailer
	audit    Auditor
	policy   LockoutPolicy
	logger   *zap.SugaredLogger
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// Deps wires a Service. Hasher, Codes and Policy default when zero.
type Deps struct {
	Accounts AccountStore
	Refresh  RefreshStore
	Hasher   PasswordHasher
	Tokens   *TokenIssuer
	Codes    CodeGenerator
	Mailer   Mailer
	Audit    Auditor
	Policy   LockoutPolicy
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		accounts: d.Accounts,
		refresh:  d.Refresh,
		hasher:   d.Hasher,
		tokens:   d.Tokens,
		codes:    d.Codes,
		mailer:   d.Mailer,
		audit:    d.Audit,
		policy:   d.Policy,
		logger:   d.Logger,
		now:      d.Now,
	}
	if s.hasher == nil {
		s.hasher = BcryptHasher{Cost: DefaultBcryptCost}
	}
	if s.codes == nil {
		s.codes = RandomCode{}
	}
	if s.policy.MaxAttempts == 0 {
		s.policy = DefaultLockoutPolicy()
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.audit == nil {
		s.audit = nopAuditor{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// requireFields takes name/value pairs and reports the empty ones.
func requireFields(pairs ...string) error {
	var fields map[string]string
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			if fields == nil {
				fields = map[string]string{}
			}
			fields[pairs[i]] = "required"
		}
	}
	if fields == nil {
		return nil
	}
	return ValidationError(fields)
}

func codeString(code int) string {
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}

// fail logs an unexpected error with full detail and hides it from the caller.
func (s *Service) fail(op string, err error) error {
	s.logger.Errorw("auth operation failed", "op", op, "err", err)
	return internal(fmt.Errorf("%s: %w", op, err))
}

// Register creates an active, unverified team member.
func (s *Service) Register(ctx context.Context, username, email, password string) (*entity.Account, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)
	if err := requireFields("username", username, "email", email, "password", password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, s.fail("hash password", err)
	}
	a := &entity.Account{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         entity.RoleTeamMember,
		Status:       entity.StatusActive,
	}
	if _, err := s.accounts.Create(ctx, a); err != nil {
		if errors.Is(err, accountrepo.ErrDuplicateEmail) {
			return nil, ValidationError(map[string]string{"email": "already registered"})
		}
		return nil, s.fail("create account", err)
	}
	s.audit.Record(ctx, a.ID, a.Username, audit.KindRegister)
	return a, nil
}

// Login verifies credentials under the lockout policy. An unverified account
// gets a fresh verification code instead of tokens.
func (s *Service) Login(ctx context.Context, email, password string, rememberMe bool) (*LoginResult, error) {
	email = normalizeEmail(email)
	if err := requireFields("email", email, "password", password); err != nil {
		return nil, err
	}
	now := s.now()

	acc, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		// spend the same bcrypt time as a real comparison
		s.hasher.Verify(s.dummy(), password)
		metrics.LoginTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, s.fail("load account", err)
	}

	if err := s.policy.Gate(acc.LockState(), now); err != nil {
		metrics.LoginTotal.WithLabelValues(outcomeOf(err)).Inc()
		return nil, err
	}

	if !s.hasher.Verify(acc.PasswordHash, password) {
		return nil, s.loginFailed(ctx, acc, now)
	}

	err = s.transition(ctx, acc, func(cur entity.LockState) (entity.LockState, error) {
		if cur.Status.Terminal() {
			return cur, ErrAccountBanned
		}
		return s.policy.RegisterSuccess(), nil
	})
	if err != nil {
		return nil, err
	}

	if !acc.EmailVerified {
		if err := s.issueCode(ctx, acc, entity.OTPEmailVerification); err != nil {
			return nil, err
		}
		metrics.LoginTotal.WithLabelValues("verification_required").Inc()
		return &LoginResult{VerificationRequired: true}, nil
	}

	sess, err := s.issueSession(ctx, acc, rememberMe)
	if err != nil {
		return nil, err
	}
	metrics.LoginTotal.WithLabelValues("success").Inc()
	s.audit.Record(ctx, acc.ID, acc.Username, audit.KindLogin)
	return &LoginResult{Session: sess}, nil
}

func (s *Service) loginFailed(ctx context.Context, acc *entity.Account, now time.Time) error {
	var outcome FailureOutcome
	err := s.transition(ctx, acc, func(cur entity.LockState) (entity.LockState, error) {
		// a concurrent request may have locked the account meanwhile
		if err := s.policy.Gate(cur, now); err != nil {
			return cur, err
		}
		outcome = s.policy.RegisterFailure(cur, now)
		return outcome.Next, nil
	})
	if err != nil {
		metrics.LoginTotal.WithLabelValues(outcomeOf(err)).Inc()
		return err
	}
	if outcome.Locked {
		metrics.LockoutsTotal.Inc()
		metrics.LoginTotal.WithLabelValues("locked").Inc()
		s.audit.Record(ctx, acc.ID, acc.Username, audit.KindAccountLocked)
		s.logger.Infow("account locked", "user_id", acc.ID, "until", acc.StatusExpireAt)
	} else {
		metrics.LoginTotal.WithLabelValues("invalid_credentials").Inc()
		s.audit.Record(ctx, acc.ID, acc.Username, audit.KindLoginFailed)
	}
	return outcome.Err(s.policy)
}

// transition applies next to the stored lock state with compare-and-set,
// reloading and recomputing when a concurrent request won the race.
func (s *Service) transition(ctx context.Context, acc *entity.Account, next func(entity.LockState) (entity.LockState, error)) error {
	for i := 0; i < lockRetries; i++ {
		cur := acc.LockState()
		n, err := next(cur)
		if err != nil {
			return err
		}
		if sameLockState(cur, n) {
			return nil
		}
		applied, err := s.accounts.SaveLockState(ctx, acc.ID, cur, n)
		if err != nil {
			return s.fail("save lock state", err)
		}
		if applied {
			acc.ApplyLockState(n)
			return nil
		}
		fresh, err := s.accounts.GetByID(ctx, acc.ID)
		if err != nil {
			return s.fail("reload account", err)
		}
		acc.ApplyLockState(fresh.LockState())
	}
	return s.fail("save lock state", errors.New("too much contention on lock state"))
}

func sameLockState(a, b entity.LockState) bool {
	if a.Status != b.Status || a.Attempts != b.Attempts {
		return false
	}
	if a.StatusExpireAt == nil || b.StatusExpireAt == nil {
		return a.StatusExpireAt == nil && b.StatusExpireAt == nil
	}
	return a.StatusExpireAt.Equal(*b.StatusExpireAt)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrAccountLocked):
		return "locked"
	case errors.Is(err, ErrAccountBanned):
		return "banned"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("timing-equalizer")
		if err != nil {
			s.logger.Warnw("dummy hash failed", "err", err)
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// issueCode stores a new code, replacing any outstanding one, and queues the mail.
// Mail failures are logged and never fail the calling flow.
func (s *Service) issueCode(ctx context.Context, acc *entity.Account, t entity.OTPType) error {
	otp, err := newOTP(s.codes, t, s.now())
	if err != nil {
		return s.fail("generate code", err)
	}
	if err := s.accounts.SetOTP(ctx, acc.ID, otp); err != nil {
		return s.fail("store code", err)
	}
	metrics.OTPIssuedTotal.WithLabelValues(string(t)).Inc()

	var sendErr error
	switch t {
	case entity.OTPEmailVerification:
		sendErr = s.mailer.SendVerificationCode(ctx, acc.Email, otp.Code)
		s.audit.Record(ctx, acc.ID, acc.Username, audit.KindVerificationSent)
	case entity.OTPPasswordReset:
		sendErr = s.mailer.SendPasswordResetCode(ctx, acc.Email, otp.Code)
		s.audit.Record(ctx, acc.ID, acc.Username, audit.KindPasswordResetRequested)
	}
	if sendErr != nil {
		s.logger.Warnw("code mail not queued", "user_id", acc.ID, "type", t, "err", sendErr)
	}
	return nil
}

// issueSession mints an access token and, when withRefresh is set, a persisted refresh token.
func (s *Service) issueSession(ctx context.Context, acc *entity.Account, withRefresh bool) (*Session, error) {
	access, accessExp, err := s.tokens.IssueAccess(acc.ID, acc.Email)
	if err != nil {
		return nil, s.fail("issue access token", err)
	}
	sess := &Session{
		Identity:        identityFromAccount(acc, 0),
		AccessToken:     access,
		AccessExpiresAt: accessExp,
	}
	if !withRefresh {
		return sess, nil
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(acc.ID, acc.Email)
	if err != nil {
		return nil, s.fail("issue refresh token", err)
	}
	if _, err := s.refresh.Save(ctx, acc.ID, HashToken(refresh), refreshExp); err != nil {
		return nil, s.fail("persist refresh token", err)
	}
	sess.RefreshToken = refresh
	sess.RefreshExpiresAt = refreshExp
	return sess, nil
}

// VerifyEmailCode redeems an email verification code and logs the user in.
// Accounts that may not sign in are rejected before the code is spent.
func (s *Service) VerifyEmailCode(ctx context.Context, email string, code int) (*Session, error) {
	email = normalizeEmail(email)
	if err := requireFields("email", email, "code", codeString(code)); err != nil {
		return nil, err
	}
	now := s.now()
	acc, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, s.fail("load account", err)
	}
	if err := s.policy.Gate(acc.LockState(), now); err != nil {
		return nil, err
	}

	id, err := s.accounts.RedeemEmailVerification(ctx, email, code, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, s.fail("redeem verification code", err)
	}
	if id != acc.ID {
		// the address moved to another account between the two statements
		if acc, err = s.accounts.GetByID(ctx, id); err != nil {
			return nil, s.fail("load account", err)
		}
	}
	acc.EmailVerified = true
	s.audit.Record(ctx, acc.ID, acc.Username, audit.KindEmailVerified)
	sess, err := s.issueSession(ctx, acc, true)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, acc.ID, acc.Username, audit.KindLogin)
	return sess, nil
}

// ResendVerificationCode reissues the verification code for an unverified account.
func (s *Service) ResendVerificationCode(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return ValidationError(map[string]string{"email": "required"})
	}
	acc, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNothingToVerify
	}
	if err != nil {
		return s.fail("load account", err)
	}
	if acc.EmailVerified || acc.Status.Terminal() {
		return ErrNothingToVerify
	}
	return s.issueCode(ctx, acc, entity.OTPEmailVerification)
}

// RequestPasswordReset sends a reset code to a verified account.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return ValidationError(map[string]string{"email": "required"})
	}
	acc, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrResetUnavailable
	}
	if err != nil {
		return s.fail("load account", err)
	}
	if !acc.EmailVerified || acc.Status.Terminal() {
		return ErrResetUnavailable
	}
	return s.issueCode(ctx, acc, entity.OTPPasswordReset)
}

// CompletePasswordReset sets a new password if the reset code is live. The code
// is consumed and every refresh token of the account is revoked.
func (s *Service) CompletePasswordReset(ctx context.Context, email string, code int, newPassword string) error {
	email = normalizeEmail(email)
	if err := requireFields("email", email, "code", codeString(code), "new_password", newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return s.fail("hash password", err)
	}
	id, username, err := s.accounts.ResetPasswordWithOTP(ctx, email, code, s.now(), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidCode
	}
	if err != nil {
		return s.fail("reset password", err)
	}
	if err := s.refresh.RevokeAllForUser(ctx, id); err != nil {
		s.logger.Errorw("revoke refresh tokens after reset", "user_id", id, "err", err)
	}
	s.audit.Record(ctx, id, username, audit.KindPasswordReset)
	return nil
}

// Logout revokes the refresh token server-side. Cookie clearing is the handler's job.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) {
	var userID int64
	var email string
	if c, err := s.tokens.VerifyAccess(accessToken); err == nil {
		userID, email = c.ID, c.Email
	}
	if refreshToken != "" {
		if c, err := s.tokens.VerifyRefresh(refreshToken); err == nil && userID == 0 {
			userID, email = c.ID, c.Email
		}
		if err := s.refresh.Revoke(ctx, HashToken(refreshToken)); err != nil {
			s.logger.Warnw("revoke refresh token on logout", "err", err)
		}
	}
	if userID != 0 {
		s.audit.Record(ctx, userID, email, audit.KindLogout)
	}
}

// EmailState is the address an account ends up with after ChangeEmail.
type EmailState struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// ChangeEmail moves the account to a new address, which must be verified again.
// Asking for the current address changes nothing and reports the stored state.
func (s *Service) ChangeEmail(ctx context.Context, id Identity, newEmail string) (*EmailState, error) {
	newEmail = normalizeEmail(newEmail)
	if newEmail == "" {
		return nil, ValidationError(map[string]string{"email": "required"})
	}
	if newEmail == normalizeEmail(id.Email) {
		acc, err := s.accounts.GetByID(ctx, id.ID)
		if err != nil {
			return nil, s.fail("load account", err)
		}
		return &EmailState{Email: acc.Email, EmailVerified: acc.EmailVerified}, nil
	}
	if err := s.accounts.ChangeEmail(ctx, id.ID, newEmail); err != nil {
		if errors.Is(err, accountrepo.ErrDuplicateEmail) {
			return nil, ValidationError(map[string]string{"email": "already registered"})
		}
		return nil, s.fail("change email", err)
	}
	s.audit.Record(ctx, id.ID, id.Username, audit.KindEmailChanged)
	return &EmailState{Email: newEmail}, nil
}
