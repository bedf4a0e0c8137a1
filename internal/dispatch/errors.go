package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is. Every ValidationError also matches
// ErrSession because validation is the first stage of a session.
var (
	ErrValidation = errors.New("dispatch: validation failed")
	ErrSession    = errors.New("dispatch: session failed")
)

// SessionError aborts a batch before any recipient is attempted: connect,
// TLS upgrade or authentication failed.
type SessionError struct {
	Stage string
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("dispatch: session %s: %v", e.Stage, e.Err)
}

func (e *SessionError) Unwrap() []error { return []error{e.Err, ErrSession} }

// ValidationError lists every precondition a BatchRequest violated. It is
// returned before any network activity.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "dispatch: invalid batch request: " + strings.Join(e.Problems, "; ")
}

// Is matches ErrValidation and ErrSession.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || target == ErrSession
}

// As lets callers treat a ValidationError as a *SessionError.
func (e *ValidationError) As(target any) bool {
	if t, ok := target.(**SessionError); ok {
		*t = &SessionError{Stage: "validate", Err: e}
		return true
	}
	return false
}

func newValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}
