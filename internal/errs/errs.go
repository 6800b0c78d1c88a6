// Package errs defines the error taxonomy shared across the orchestration
// subsystem: input validation, provider failures (transient vs fatal),
// storage failures, and internal invariant violations.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and retry decisions.
type Kind int

const (
	// KindInput marks a caller error: malformed dialogue text, unknown
	// text_id, bad request shape. Maps to HTTP 400.
	KindInput Kind = iota
	// KindTransientProvider marks a provider failure the caller should
	// retry: connection drop, quota exceeded, timeout mid-stream.
	// Maps to HTTP 503.
	KindTransientProvider
	// KindFatalProvider marks a provider failure retrying will not fix:
	// auth rejection, malformed frame, protocol violation.
	// Maps to HTTP 502-class but surfaced as a task failure, not a
	// request error.
	KindFatalProvider
	// KindStorage marks a blob or persistence failure. Maps to HTTP 503.
	KindStorage
	// KindConflict marks a state conflict, e.g. duplicate submission
	// while the original is still in flight. Maps to HTTP 409.
	KindConflict
	// KindInternal marks an invariant violation or unexpected state.
	// Maps to HTTP 500 and is logged with stack context.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input_error"
	case KindTransientProvider:
		return "transient_provider_error"
	case KindFatalProvider:
		return "fatal_provider_error"
	case KindStorage:
		return "storage_error"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown_error"
	}
}

// Error is a typed, wrapped error carrying a Kind for routing decisions.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err is
// not one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should trigger a segment retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientProvider
}

var (
	// ErrEmptyInput is returned by the dialogue parser for blank text.
	ErrEmptyInput = New(KindInput, "dialogue text is empty")
	// ErrInvalidSpeaker is returned when a turn has no resolvable speaker.
	ErrInvalidSpeaker = New(KindInput, "could not resolve a speaker for line")
	// ErrUnknownText is returned when a text_id has no backing record.
	ErrUnknownText = New(KindInput, "unknown text_id")
	// ErrDuplicateInFlight is returned when a matching content_hash task
	// is already running and the caller did not opt into linking.
	ErrDuplicateInFlight = New(KindConflict, "an identical task is already in flight")
)
