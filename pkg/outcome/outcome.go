// Package outcome provides the railway-style success-or-error carrier used by
// every fallible pipeline in this codebase. Errors traverse pipelines as
// values; panics are reserved for invariant violations.
package outcome

import "fmt"

// Kind classifies a failure. Handlers map kinds to HTTP statuses; services
// map upstream errors into kinds with MapError and never swallow them.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindBadCredentials     Kind = "BAD_CREDENTIALS"
	KindAccountLocked      Kind = "ACCOUNT_LOCKED"
	KindAccountSuspended   Kind = "ACCOUNT_SUSPENDED"
	KindAccountDeactivated Kind = "ACCOUNT_DEACTIVATED"
	KindMFARequired        Kind = "MFA_REQUIRED"
	KindBadMFA             Kind = "BAD_MFA"
	KindTokenMalformed     Kind = "TOKEN_MALFORMED"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindTokenRevoked       Kind = "TOKEN_REVOKED"
	KindTokenWrongKind     Kind = "TOKEN_WRONG_KIND"
	KindDeviceMismatch     Kind = "DEVICE_MISMATCH"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindUpstreamDown       Kind = "UPSTREAM_UNAVAILABLE"
	KindUpstreamTimeout    Kind = "UPSTREAM_TIMEOUT"
	KindCryptoTampered     Kind = "CRYPTO_TAMPERED"
	KindInternal           Kind = "INTERNAL"
)

// Error is the failure half of a Result. It carries a Kind for policy
// decisions and wraps the underlying cause for diagnostics.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a plain error of the given kind.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds a formatted error of the given kind.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error, returning KindInternal for
// anything that is not an *Error.
func KindOf(err error) Kind {
	if oe, ok := err.(*Error); ok {
		return oe.Kind
	}
	return KindInternal
}

// Result is a sum over success(value) | failure(error). The zero value is a
// failure with a nil error and must not be used; construct via OK or Fail.
type Result[T any] struct {
	value T
	err   *Error
	ok    bool
}

// OK wraps a success value.
func OK[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Fail wraps a failure.
func Fail[T any](err *Error) Result[T] {
	return Result[T]{err: err}
}

// Failf is shorthand for Fail(Ef(kind, format, args...)).
func Failf[T any](kind Kind, format string, args ...any) Result[T] {
	return Result[T]{err: Ef(kind, format, args...)}
}

// IsOK reports whether the result carries a success value.
func (r Result[T]) IsOK() bool { return r.ok }

// Value returns the success value. Only meaningful when IsOK.
func (r Result[T]) Value() T { return r.value }

// Err returns the failure, or nil on success.
func (r Result[T]) Err() *Error {
	if r.ok {
		return nil
	}
	return r.err
}

// Unpack bridges to conventional Go error handling.
func (r Result[T]) Unpack() (T, error) {
	if r.ok {
		return r.value, nil
	}
	return r.value, r.err
}

// MapError transforms the failure, leaving a success untouched.
func (r Result[T]) MapError(fn func(*Error) *Error) Result[T] {
	if r.ok {
		return r
	}
	return Result[T]{err: fn(r.err)}
}

// OrElse returns the success value or the supplied fallback.
func (r Result[T]) OrElse(fallback T) T {
	if r.ok {
		return r.value
	}
	return fallback
}

// Map applies fn to the success value. Package-level because Go methods
// cannot introduce type parameters.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if !r.ok {
		return Result[U]{err: r.err}
	}
	return OK(fn(r.value))
}

// FlatMap is the monadic bind: fn may itself fail.
func FlatMap[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if !r.ok {
		return Result[U]{err: r.err}
	}
	return fn(r.value)
}

// Fold collapses a result into a single value.
func Fold[T, U any](r Result[T], onOK func(T) U, onErr func(*Error) U) U {
	if r.ok {
		return onOK(r.value)
	}
	return onErr(r.err)
}

// From lifts a conventional (value, error) pair into a Result, classifying
// unknown errors as KindInternal.
func From[T any](v T, err error) Result[T] {
	if err == nil {
		return OK(v)
	}
	if oe, ok := err.(*Error); ok {
		return Fail[T](oe)
	}
	return Fail[T](Wrap(KindInternal, "operation failed", err))
}
