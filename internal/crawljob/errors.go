package crawljob

import (
	"errors"
	"fmt"
)

// ErrNotFound is the shared sentinel for lookups of crawlers, executions, or
// queue entries that do not exist. Stores wrap it so callers can match with
// errors.Is without knowing the backing implementation.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies an engine error for the retry decision.
type ErrorKind string

// Error kinds. Configuration errors are never retried; credential and sink
// errors fail the attempt and flow into the backoff mechanism; upstream errors
// are absorbed per account; queue errors always propagate.
const (
	KindConfiguration ErrorKind = "configuration"
	KindCredential    ErrorKind = "credential"
	KindUpstream      ErrorKind = "upstream"
	KindSinkWrite     ErrorKind = "sink_write"
	KindQueue         ErrorKind = "queue"
)

// Error wraps an underlying error with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError tags err with a kind. A nil err returns nil.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to KindUpstream for untyped
// errors so that unknown failures stay retryable.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether a failed attempt with this error should be
// re-enqueued. Only configuration errors are terminal on first failure.
func Retryable(err error) bool {
	return KindOf(err) != KindConfiguration
}
