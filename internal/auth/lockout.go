package auth

import (
	"fmt"
	"math"
	"time"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
)

const (
	MaxAttempts     = 5
	LockoutDuration = 15 * time.Minute
)

// LockoutPolicy computes lockout transitions. It is pure: callers load the
// stored state, ask the policy for the next one and persist it.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxAttempts: MaxAttempts, Duration: LockoutDuration}
}

// Effective applies lazy expiry: a lock whose expiry has passed counts as a
// fresh active state even though the stored row still says locked.
func (p LockoutPolicy) Effective(s entity.LockState, now time.Time) entity.LockState {
	if s.Status != entity.StatusLocked {
		return s
	}
	if s.StatusExpireAt == nil || !now.Before(*s.StatusExpireAt) {
		return entity.LockState{Status: entity.StatusActive}
	}
	return s
}

// Gate decides whether a login attempt may reach password verification.
// A rejection here consumes no attempt and does not extend the lock.
func (p LockoutPolicy) Gate(s entity.LockState, now time.Time) error {
	if s.Status.Terminal() {
		return ErrAccountBanned
	}
	eff := p.Effective(s, now)
	if eff.Status == entity.StatusLocked {
		return &Error{
			Kind:    KindAccountLocked,
			Message: fmt.Sprintf("account is locked, try again in %d minutes", remainingMinutes(*eff.StatusExpireAt, now)),
		}
	}
	return nil
}

// FailureOutcome is the result of one wrong password.
type FailureOutcome struct {
	Next      entity.LockState
	Locked    bool
	Remaining int
}

// RegisterFailure counts a wrong password against the effective state.
// Reaching MaxAttempts locks the account and resets the counter.
func (p LockoutPolicy) RegisterFailure(s entity.LockState, now time.Time) FailureOutcome {
	eff := p.Effective(s, now)
	attempts := eff.Attempts + 1
	if attempts >= p.MaxAttempts {
		until := now.Add(p.Duration)
		return FailureOutcome{
			Next:   entity.LockState{Status: entity.StatusLocked, Attempts: 0, StatusExpireAt: &until},
			Locked: true,
		}
	}
	return FailureOutcome{
		Next:      entity.LockState{Status: entity.StatusActive, Attempts: attempts},
		Remaining: p.MaxAttempts - attempts,
	}
}

// RegisterSuccess clears all lock bookkeeping.
func (p LockoutPolicy) RegisterSuccess() entity.LockState {
	return entity.LockState{Status: entity.StatusActive}
}

// Err turns the outcome into the rejection shown to the client.
func (o FailureOutcome) Err(p LockoutPolicy) *Error {
	if o.Locked {
		return &Error{
			Kind:    KindAccountLocked,
			Message: fmt.Sprintf("too many failed attempts, account locked for %d minutes", int(p.Duration.Minutes())),
		}
	}
	return &Error{
		Kind:    KindInvalidCredentials,
		Message: fmt.Sprintf("%s, %d attempts remaining", ErrInvalidCredentials.Message, o.Remaining),
	}
}

func remainingMinutes(until, now time.Time) int {
	return int(math.Ceil(until.Sub(now).Minutes()))
}
