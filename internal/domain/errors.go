package domain

import "fmt"

// ErrKind is a stable, transport-independent error-kind identifier (spec.md §7).
type ErrKind string

const (
	ErrConflict      ErrKind = "conflict"
	ErrNotFound      ErrKind = "not-found"
	ErrNotRunning    ErrKind = "not-running"
	ErrRateLimited   ErrKind = "rate-limited"
	ErrBadRequest    ErrKind = "bad-request"
	ErrUnauthorized  ErrKind = "unauthenticated"
	ErrForbidden     ErrKind = "forbidden"
	ErrAgentFailed   ErrKind = "agent-failed"
	ErrCancelled     ErrKind = "cancelled"
	ErrInternal      ErrKind = "internal"
)

// Error is the typed error every domain operation returns on failure.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a domain error of the given kind.
func NewError(kind ErrKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a domain error of the given kind wrapping cause.
func Wrap(kind ErrKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrKind from err, defaulting to ErrInternal for
// errors that were never classified.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	var de *Error
	if as, ok := err.(*Error); ok {
		de = as
	} else {
		return ErrInternal
	}
	return de.Kind
}
