package domain

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error kinds — the wire-visible failure taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies a failure for clients. Business errors are surfaced
// verbatim and never retried by the core; external errors are retried per
// the board backoff policy before converting to KindExternalFailure.
type ErrorKind string

const (
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindExternalFailure   ErrorKind = "external_failure"
	KindRateLimited       ErrorKind = "rate_limited"
	KindInternal          ErrorKind = "internal"
)

// Error is the structured failure returned to clients: no stack traces, no
// file paths, just the kind, a message, and whether retrying can help.
type Error struct {
	Kind       ErrorKind              `json:"kind"`
	Message    string                 `json:"message"`
	Retriable  bool                   `json:"retriable"`
	RetryAfter int                    `json:"retry_after_seconds,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a non-retriable error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidTransition reports a state change violating the task or
// assignment state machine.
func ErrInvalidTransition(format string, args ...interface{}) *Error {
	return NewError(KindInvalidTransition, format, args...)
}

// ErrNotFound reports an unknown agent, task, or project id.
func ErrNotFound(format string, args ...interface{}) *Error {
	return NewError(KindNotFound, format, args...)
}

// ErrConflict reports a cycle, concurrency-cap, or already-assigned clash.
func ErrConflict(format string, args ...interface{}) *Error {
	return NewError(KindConflict, format, args...)
}

// ErrExternalFailure reports an exhausted board or model call.
func ErrExternalFailure(format string, args ...interface{}) *Error {
	return NewError(KindExternalFailure, format, args...)
}

// ErrRateLimited reports an empty frontier or requested backoff. Retriable.
func ErrRateLimited(retryAfterSeconds int, format string, args ...interface{}) *Error {
	e := NewError(KindRateLimited, format, args...)
	e.Retriable = true
	e.RetryAfter = retryAfterSeconds
	return e
}

// ErrInternal reports a detected invariant violation.
func ErrInternal(format string, args ...interface{}) *Error {
	return NewError(KindInternal, format, args...)
}

// AsError extracts a *Error from err, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
