// Package poloserr defines the closed error taxonomy shared across the
// runtime: transient/conflict/permanent HTTP outcomes, durable step
// failures, validation failures, and cancellation. Every kind wraps an
// inner error and supports errors.Is/As so callers can branch on kind
// without string matching.
package poloserr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed, driving retry and reporting
// decisions in the orchestrator client and worker runtime.
type Kind string

const (
	// KindTransient covers network failures, 5xx responses, and stream
	// disconnects. Safe to retry for idempotent operations.
	KindTransient Kind = "transient"
	// KindConflict covers HTTP 409: the execution was reassigned to
	// another worker. Terminal for completion-reporting paths.
	KindConflict Kind = "conflict"
	// KindPermanent covers 4xx-not-409 responses: configuration or ID
	// problems. Never retried.
	KindPermanent Kind = "permanent"
	// KindStepExecution covers a failure recorded against a step key.
	// Deterministically re-raised on every replay.
	KindStepExecution Kind = "step_execution"
	// KindValidation covers bad payload/state shape or oversized state.
	KindValidation Kind = "validation"
	// KindCancellation covers an inbound cancel signal.
	KindCancellation Kind = "cancellation"
)

// Error is the concrete type behind every poloserr-classified failure.
// Message is the human-readable summary; Type mirrors the recorded step
// error's type tag when present (spec.md §7's "error.type").
type Error struct {
	Kind    Kind
	Message string
	Type    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so callers
// can write errors.Is(err, poloserr.ErrConflict) style sentinels. Bare
// sentinels per-kind are provided below for that purpose.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons against a bare kind.
var (
	ErrTransient   = &Error{Kind: KindTransient}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrPermanent   = &Error{Kind: KindPermanent}
	ErrStepFailure = &Error{Kind: KindStepExecution}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrCancelled   = &Error{Kind: KindCancellation}
)

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around an existing cause,
// preserving the cause's message when no explicit message is supplied.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Transient reports whether err is (or wraps) a KindTransient error.
func Transient(err error) bool { return hasKind(err, KindTransient) }

// Conflict reports whether err is (or wraps) a KindConflict error.
func Conflict(err error) bool { return hasKind(err, KindConflict) }

// Permanent reports whether err is (or wraps) a KindPermanent error.
func Permanent(err error) bool { return hasKind(err, KindPermanent) }

// StepFailure reports whether err is (or wraps) a recorded step failure.
func StepFailure(err error) bool {
	var se *StepExecutionError
	return hasKind(err, KindStepExecution) || errors.As(err, &se)
}

// Validation reports whether err is (or wraps) a validation failure.
func Validation(err error) bool { return hasKind(err, KindValidation) }

// Cancelled reports whether err is (or wraps) a cancellation.
func Cancelled(err error) bool { return hasKind(err, KindCancellation) }

func hasKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// StepExecutionError is raised when a step primitive replays a recorded
// failure (spec.md §4.2 point 2, §7 "Step-execution failure"). Its
// message equals the recorded message verbatim, per testable property 2.
type StepExecutionError struct {
	StepKey string
	Message string
	Type    string
}

func (e *StepExecutionError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("step %q failed: %s (%s)", e.StepKey, e.Message, e.Type)
	}
	return fmt.Sprintf("step %q failed: %s", e.StepKey, e.Message)
}

// Is exposes KindStepExecution classification for StepExecutionError.
func (e *StepExecutionError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindStepExecution && t.Message == ""
}
