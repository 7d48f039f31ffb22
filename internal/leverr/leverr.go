// Package leverr defines the stable error taxonomy shared by every core
// component. Kinds are compared by value, never by Go type, so that a
// transport error raised deep in the journal looks the same to a caller
// as one raised from the worker's PR-host client.
package leverr

import (
	"errors"
	"fmt"
)

// Kind is a stable, serializable error category.
type Kind string

const (
	AuthFailed       Kind = "AuthFailed"
	TransportFailed  Kind = "TransportFailed"
	ValidationFailed Kind = "ValidationFailed"
	PolicyViolation  Kind = "PolicyViolation"
	ScopeViolation   Kind = "ScopeViolation"
	IntegrityAlarm   Kind = "IntegrityAlarm"
	RateLimited      Kind = "RateLimited"
	Timeout          Kind = "Timeout"
	NotFound         Kind = "NotFound"
	Conflict         Kind = "Conflict"
	InternalError    Kind = "InternalError"
)

// Error wraps an underlying cause with a stable Kind and the operation
// that raised it, e.g. "journal.append" or "worker.push".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for op/kind, optionally wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf is like New but formats a message into a plain error cause.
func Newf(op string, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or InternalError if err does not
// carry a leverr.Error in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Recoverable reports whether the propagation policy (spec §7) says a
// caller should retry err itself (as opposed to recording it terminal).
// TransportFailed and RateLimited are retryable everywhere; Conflict is
// only retryable by callers that know how to resolve it (e.g. the
// worker reusing an existing PR) and is deliberately excluded here.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case TransportFailed, RateLimited:
		return true
	default:
		return false
	}
}
