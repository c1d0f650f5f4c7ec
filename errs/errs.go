// Package errs defines the error taxonomy shared by every component.
// Retry and surfacing decisions key off the Kind only; callers use
// errs.IsKind or the sentinel helpers instead of matching strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation is a malformed request. Never retried.
	KindValidation
	// KindNotFound means a bucket, index, key or object is absent. Never retried.
	KindNotFound
	// KindConflict means a precondition failed: object exists, bucket not
	// empty, lease held elsewhere. Never retried by the store layer.
	KindConflict
	// KindTransient is a store 5xx or timeout. Retried with backoff.
	KindTransient
	// KindCorruption is a checksum mismatch or truncated artifact.
	KindCorruption
	// KindFatal is a violated internal invariant. Recovery is manual.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindCorruption:
		return "corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so sentinel comparisons like
// errors.Is(err, errs.New(errs.KindNotFound, "", nil)) work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates an Error with a formatted message as cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a KindConflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// Retryable reports whether an operation failing with err may be retried.
// Only transient store failures qualify.
func Retryable(err error) bool { return IsKind(err, KindTransient) }
