// Package fault defines the error taxonomy shared by every kernel
// component. Each error surfaced to a caller carries exactly one Kind;
// the HTTP layer maps kinds to status codes and never sees raw internals.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindForbidden           Kind = "forbidden"
	KindInvariantViolation  Kind = "invariant_violation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindTimeout             Kind = "timeout"
	KindSpawnFailed         Kind = "spawn_failed"
	KindStorage             Kind = "storage"
	KindInternal            Kind = "internal"
)

// Sentinel errors for errors.Is checks.
var (
	ErrNotFound            = &Error{kind: KindNotFound, msg: "not found"}
	ErrConflict            = &Error{kind: KindConflict, msg: "conflict"}
	ErrForbidden           = &Error{kind: KindForbidden, msg: "forbidden"}
	ErrInvariantViolation  = &Error{kind: KindInvariantViolation, msg: "invariant violation"}
	ErrInsufficientBalance = &Error{kind: KindInsufficientBalance, msg: "insufficient balance"}
	ErrTimeout             = &Error{kind: KindTimeout, msg: "timeout"}
	ErrSpawnFailed         = &Error{kind: KindSpawnFailed, msg: "spawn failed"}
	ErrStorage             = &Error{kind: KindStorage, msg: "storage error"}
	ErrInternal            = &Error{kind: KindInternal, msg: "internal error"}
)

// Error is a kinded error with a human-readable message.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Is matches any *Error with the same kind, so
// errors.Is(err, fault.ErrConflict) works for every conflict error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// KindOf extracts the Kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}
