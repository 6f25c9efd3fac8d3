package entity

import "time"

// Status is the lockout state of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusLocked   Status = "locked"
	StatusBanned   Status = "banned"
	StatusInactive Status = "inactive"
)

// Terminal reports whether the status blocks login regardless of credentials.
// Terminal statuses are only ever set by administrative action.
func (s Status) Terminal() bool {
	return s == StatusBanned || s == StatusInactive
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusLocked, StatusBanned, StatusInactive:
		return true
	}
	return false
}

// Role drives authorization only.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleProjectManager Role = "project_manager"
	RoleTeamMember     Role = "team_member"
)

// OTPType binds a one-time code to the single flow it was issued for.
type OTPType string

const (
	OTPEmailVerification OTPType = "email_verification"
	OTPPasswordReset     OTPType = "password_reset"
)

// Account is the authentication projection of a row in the `users` table.
type Account struct {
	ID           int64   `db:"id" json:"id"`
	Username     string  `db:"username" json:"username"`
	Email        string  `db:"email" json:"email"`
	PasswordHash string  `db:"password_hash" json:"-"`
	Role         Role    `db:"role" json:"role"`
	ProfilePic   *string `db:"profile_pic" json:"profile_pic,omitempty"`

	EmailVerified bool       `db:"email_verified" json:"email_verified"`
	OTPCode       *int       `db:"otp_code" json:"-"`
	OTPCodeType   *OTPType   `db:"otp_code_type" json:"-"`
	OTPExpireAt   *time.Time `db:"otp_expire_at" json:"-"`

	Status         Status     `db:"status" json:"status"`
	Attempts       int        `db:"attempts" json:"-"`
	StatusExpireAt *time.Time `db:"status_expire_at" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LockState is the lockout bookkeeping persisted as one unit.
type LockState struct {
	Status         Status
	Attempts       int
	StatusExpireAt *time.Time
}

// LockState returns the currently stored lockout bookkeeping.
func (a *Account) LockState() LockState {
	return LockState{Status: a.Status, Attempts: a.Attempts, StatusExpireAt: a.StatusExpireAt}
}

// ApplyLockState copies a persisted transition back onto the in-memory row.
func (a *Account) ApplyLockState(s LockState) {
	a.Status = s.Status
	a.Attempts = s.Attempts
	a.StatusExpireAt = s.StatusExpireAt
}

// OTP is a single-purpose, time-boxed code. Issuing one overwrites the previous.
type OTP struct {
	Code     int
	Type     OTPType
	ExpireAt time.Time
}
