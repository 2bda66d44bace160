// Package stageerrors provides the error classification used by pipeline
// stage handlers. Every failure a stage reports is classified exactly once,
// at the point it occurs; the dispatcher and orchestrator trust the
// classification and never re-derive it.
package stageerrors

import (
	"errors"
	"fmt"
)

// Class represents the retry category of a stage failure.
type Class int8

const (
	// ClassValidation represents a malformed event, command, or result.
	// Never retried; the pipeline fails immediately.
	ClassValidation Class = iota

	// ClassTransient represents network blips, rate limits, sandbox-launch
	// flakiness, and queue redelivery races. Retried with backoff.
	ClassTransient

	// ClassFatal represents unknown commands, revoked credentials,
	// workspace quota exhaustion, command exit failure, and execution
	// timeout. Never retried automatically.
	ClassFatal
)

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified stage failure with the stage that produced it.
type Error struct {
	Err     error  // Wrapped underlying error
	Message string // Human-readable message when Err is nil
	Stage   string // Stage name that classified the failure
	Class   Class  // Retry category
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s stage error (%s): %v", e.Stage, e.Class, e.Err)
	}
	return fmt.Sprintf("%s stage error (%s): %s", e.Stage, e.Class, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the dispatcher should re-enqueue the stage.
func (e *Error) Retryable() bool {
	return e.Class == ClassTransient
}

// Validation wraps err as a non-retryable validation failure.
func Validation(stage string, err error) *Error {
	return &Error{Stage: stage, Class: ClassValidation, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(stage string, err error) *Error {
	return &Error{Stage: stage, Class: ClassTransient, Err: err}
}

// Fatal wraps err as a non-retryable failure.
func Fatal(stage string, err error) *Error {
	return &Error{Stage: stage, Class: ClassFatal, Err: err}
}

// Fatalf creates a non-retryable failure from a format string.
func Fatalf(stage, format string, args ...any) *Error {
	return &Error{Stage: stage, Class: ClassFatal, Message: fmt.Sprintf(format, args...)}
}

// ClassOf returns the class of err. Unclassified errors are treated as
// transient so that unexpected infrastructure failures get the benefit of
// the retry budget rather than failing pipelines outright.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassTransient
}

// StageOf returns the stage name recorded in err, or "" if unclassified.
func StageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}
