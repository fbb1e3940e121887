// Package errs defines the structured error kinds shared by every subsystem.
// An operation either succeeds or returns an *Error carrying a kind, a
// human-readable message, a retriable flag and an optional context map.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	Validation   Kind = "validation"
	NotFound     Kind = "not_found"
	Upstream     Kind = "upstream"
	Timeout      Kind = "timeout"
	RateLimited  Kind = "rate_limited"
	TypeMismatch Kind = "type_mismatch"
	Internal     Kind = "internal"
)

// Error is the structured error type. Retriable is only meaningful for
// Upstream and Timeout kinds; everything else propagates as-is.
type Error struct {
	Kind      Kind
	Message   string
	Retriable bool
	Context   map[string]any
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, preserving the cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithContext attaches a context map entry and returns the same error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetriable marks the error retriable.
func (e *Error) WithRetriable() *Error {
	e.Retriable = true
	return e
}

// KindOf returns the kind of err, or Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetriable reports whether err is safe to retry.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// IsNotFound is shorthand for Is(err, NotFound).
func IsNotFound(err error) bool {
	return Is(err, NotFound)
}
