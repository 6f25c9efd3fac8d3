package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
)

// ErrDuplicateEmail is returned when an insert or update hits the unique email index.
var ErrDuplicateEmail = errors.New("email already registered")

// AccountRepo reads and writes the authentication columns of the users table.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  username TEXT NOT NULL,
  email CITEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT 'team_member',
  profile_pic TEXT,
  email_verified BOOLEAN NOT NULL DEFAULT false,
  otp_code INT,
  otp_code_type TEXT CHECK (otp_code_type IN ('email_verification','password_reset')),
  otp_expire_at TIMESTAMPTZ,
  status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','locked','banned','inactive')),
  attempts INT NOT NULL DEFAULT 0 CHECK (attempts >= 0),
  status_expire_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const selectAccount = `SELECT id, username, email, password_hash, role, profile_pic,
	email_verified, otp_code, otp_code_type, otp_expire_at,
	status, attempts, status_expire_at, created_at, updated_at
  FROM users`

// Create inserts a new account. Returns new ID.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) (int64, error) {
	const q = `INSERT INTO users (username, email, password_hash, role, email_verified, status, attempts)
		VALUES (:username, :email, :password_hash, :role, :email_verified, :status, :attempts) RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, q, a)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, ErrDuplicateEmail
		}
		return 0, err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&a.ID); err != nil {
			return 0, err
		}
		return a.ID, nil
	}
	if err := rows.Err(); err != nil {
		if IsUniqueViolation(err) {
			return 0, ErrDuplicateEmail
		}
		return 0, err
	}
	return 0, errors.New("no id returned")
}

// GetByEmail returns an account matched by email (case-insensitive due to citext) or sql.ErrNoRows.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.get(ctx, selectAccount+` WHERE email=$1`, email)
}

// GetByID returns an account by primary key or sql.ErrNoRows.
func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*entity.Account, error) {
	return r.get(ctx, selectAccount+` WHERE id=$1`, id)
}

func (r *AccountRepo) get(ctx context.Context, q string, arg any) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, arg); err != nil {
		return nil, err
	}
	// the lockout policy only knows the four statuses
	if !a.Status.Valid() {
		return nil, fmt.Errorf("account %d: unknown status %q", a.ID, a.Status)
	}
	return &a, nil
}

// SaveLockState writes next only if the stored lock state still equals expected.
// It reports false when a concurrent request changed the row first.
func (r *AccountRepo) SaveLockState(ctx context.Context, id int64, expected, next entity.LockState) (bool, error) {
	const q = `UPDATE users SET status=$2, attempts=$3, status_expire_at=$4, updated_at=NOW()
		WHERE id=$1 AND status=$5 AND attempts=$6 AND status_expire_at IS NOT DISTINCT FROM $7`
	res, err := r.db.ExecContext(ctx, q, id,
		next.Status, next.Attempts, next.StatusExpireAt,
		expected.Status, expected.Attempts, expected.StatusExpireAt)
	if err != nil {
		return false, fmt.Errorf("save lock state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetOTP stores a new code, replacing whatever code the account had.
func (r *AccountRepo) SetOTP(ctx context.Context, id int64, otp entity.OTP) error {
	const q = `UPDATE users SET otp_code=$2, otp_code_type=$3, otp_expire_at=$4, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id, otp.Code, otp.Type, otp.ExpireAt)
	return err
}

// redeemable matches a live code of one type on an account that may still sign in.
const redeemable = `email=$1 AND otp_code=$2 AND otp_code_type=$3 AND otp_expire_at > $4
		AND status NOT IN ('banned', 'inactive')`

// RedeemEmailVerification marks the email verified when email, code, type and expiry
// all match, clearing the code in the same statement. Returns sql.ErrNoRows on mismatch
// and for banned or inactive accounts.
func (r *AccountRepo) RedeemEmailVerification(ctx context.Context, email string, code int, now time.Time) (int64, error) {
	const q = `UPDATE users SET email_verified=true, otp_code=NULL, otp_code_type=NULL, otp_expire_at=NULL, updated_at=NOW()
		WHERE ` + redeemable + ` RETURNING id`
	var id int64
	if err := r.db.GetContext(ctx, &id, q, email, code, entity.OTPEmailVerification, now); err != nil {
		return 0, err
	}
	return id, nil
}

// ResetPasswordWithOTP swaps the password hash when a live password-reset code
// matches, clearing the code so it cannot be replayed. It returns the account's
// id and username, or sql.ErrNoRows on mismatch.
func (r *AccountRepo) ResetPasswordWithOTP(ctx context.Context, email string, code int, now time.Time, hash string) (int64, string, error) {
	const q = `UPDATE users SET password_hash=$5, otp_code=NULL, otp_code_type=NULL, otp_expire_at=NULL, updated_at=NOW()
		WHERE ` + redeemable + ` RETURNING id, username`
	var row struct {
		ID       int64  `db:"id"`
		Username string `db:"username"`
	}
	if err := r.db.GetContext(ctx, &row, q, email, code, entity.OTPPasswordReset, now, hash); err != nil {
		return 0, "", err
	}
	return row.ID, row.Username, nil
}

// ChangeEmail updates the address and drops verification along with any pending code.
func (r *AccountRepo) ChangeEmail(ctx context.Context, id int64, email string) error {
	const q = `UPDATE users SET email=$2, email_verified=false, otp_code=NULL, otp_code_type=NULL, otp_expire_at=NULL, updated_at=NOW()
		WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, id, email)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure from either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
