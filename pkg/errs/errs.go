// Package errs defines the error kinds surfaced at every component
// boundary in nexmdm, per SPEC_FULL §7. Components return *errs.Error
// at their public API; nothing below that boundary (store internals,
// HTTP client errors) leaks past it.
package errs

import "fmt"

// Kind classifies an error the way spec.md §7 enumerates them.
type Kind string

const (
	KindAuth           Kind = "auth"            // 401, or 410 for device-deleted
	KindAuthorization  Kind = "authorization"    // 403
	KindValidation     Kind = "validation"       // 422
	KindConflict       Kind = "conflict"         // 409, or idempotent 200
	KindRateLimit      Kind = "rate_limit"       // 429
	KindDependency     Kind = "dependency"       // 5xx, caller retries
	KindLockContention Kind = "lock_contention"  // internal skipped event, not caller-facing
	KindNotFound       Kind = "not_found"        // 404
)

// Error is the typed error every component returns at its boundary.
type Error struct {
	Kind    Kind
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

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, for dependency failures that
// should not leak internal detail to the caller but must be logged.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	for err != nil {
		if v, ok := err.(*Error); ok {
			e = v
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}

// KindOf returns the Kind of err if it is an *Error, else KindDependency
// — an un-typed error reaching this far is treated as an opaque
// dependency failure, never assumed benign.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindDependency
}
