package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for state store and transition outcomes. A version
// conflict is deliberately distinct from a terminal-state rejection: the
// former means a concurrent writer already advanced the pipeline (silent
// no-op for the caller), the latter is a programming error.
var (
	// ErrNotFound is returned when no pipeline exists for an id.
	ErrNotFound = errors.New("pipeline not found")

	// ErrVersionConflict is returned when a compare-and-set carries a
	// stale expected version. The stored record is never mutated.
	ErrVersionConflict = errors.New("pipeline version conflict")

	// ErrTerminalState is returned when a transition is attempted out of
	// COMPLETED or FAILED.
	ErrTerminalState = errors.New("pipeline is in a terminal state")

	// ErrAlreadyExists is returned by createIfAbsent on a duplicate id.
	ErrAlreadyExists = errors.New("pipeline already exists")
)

// InvalidTransitionError reports an illegal state transition.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid pipeline transition %s -> %s", e.From, e.To)
}

// IsVersionConflict reports whether err is a compare-and-set rejection.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
