package auth

import (
	"errors"
	"net/http"
)

// Kind classifies auth failures. Each kind maps to one HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInvalidCredentials
	KindAccountLocked
	KindAccountBanned
	KindInvalidCode
	KindUnauthenticated
	KindForbidden
)

// Error is a typed rejection returned by the auth core. Message is safe to show
// to the client; Err carries internal detail for logs only.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the sentinels below
// regardless of the message attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid email or password"}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked, Message: "account is locked"}
	ErrAccountBanned      = &Error{Kind: KindAccountBanned, Message: "account is not allowed to sign in, contact an administrator"}
	ErrInvalidCode        = &Error{Kind: KindInvalidCode, Message: "invalid or expired code"}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated, Message: "authentication required"}
	ErrInvalidToken       = &Error{Kind: KindUnauthenticated, Message: "invalid token"}
	ErrAuthFailed         = &Error{Kind: KindUnauthenticated, Message: "authentication failed"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "insufficient permissions"}
	ErrInternal           = &Error{Kind: KindInternal, Message: "internal server error"}
)

// ValidationError reports caller input problems keyed by field name.
func ValidationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: fields}
}

func internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: ErrInternal.Message, Err: err}
}

// AsError converts any error into an *Error, treating unknown errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return internal(err)
}

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindInvalidCode:
		return http.StatusBadRequest
	case KindInvalidCredentials, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAccountLocked, KindAccountBanned, KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
