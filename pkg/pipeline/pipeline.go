// Package pipeline defines the durable pipeline record, its state machine,
// and the state manager that owns every mutation of a pipeline. All updates
// go through optimistic compare-and-set on a monotonically increasing
// version counter.
package pipeline

import (
	"time"
)

// State represents a pipeline processing state.
type State string

// Pipeline processing states, in canonical order. FAILED is reachable from
// any non-terminal state; COMPLETED and FAILED are absorbing.
const (
	StateReceived          State = "RECEIVED"
	StateProcessing        State = "PROCESSING"
	StateDispatching       State = "DISPATCHING"
	StateExecuting         State = "EXECUTING"
	StateProcessingResults State = "PROCESSING_RESULTS"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
)

// canonicalOrder maps each forward state to its position in the happy path.
//
//nolint:gochecknoglobals // Immutable transition table
var canonicalOrder = map[State]int{
	StateReceived:          0,
	StateProcessing:        1,
	StateDispatching:       2,
	StateExecuting:         3,
	StateProcessingResults: 4,
	StateCompleted:         5,
}

// IsTerminal reports whether no further transitions are accepted from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	if s == StateFailed {
		return true
	}
	_, ok := canonicalOrder[s]
	return ok
}

// CanTransitionTo reports whether a transition from s to next is legal.
// Forward transitions must follow the canonical order one step at a time;
// FAILED is reachable from any non-terminal state.
func (s State) CanTransitionTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	from, okFrom := canonicalOrder[s]
	to, okTo := canonicalOrder[next]
	return okFrom && okTo && to == from+1
}

// Pipeline is one durable execution of the event→command→result flow.
// Mutated only by the orchestrator via StateManager; never deleted by the
// core (retention is an external concern).
type Pipeline struct {
	// ID is the opaque pipeline identifier.
	ID string `json:"pipeline_id"`

	// State is the current processing state.
	State State `json:"state"`

	// TaskID identifies the queue task currently driving this pipeline.
	TaskID string `json:"task_id,omitempty"`

	// Service is the originating service name.
	Service string `json:"service"`

	// Repository is the target repository identifier ("org/repo").
	Repository string `json:"repository"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastError holds the most recent failure message, if any.
	LastError string `json:"last_error,omitempty"`

	// Metadata is a free-form map for diagnostics (stage names, retry
	// counts, commit ids). Patched, never replaced wholesale.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CancelRequested is set by Cancel; workers check it before stage work.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Version increments on every successful update. Updates carrying a
	// stale expected version are rejected with ErrVersionConflict.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored record.
func (p *Pipeline) Clone() *Pipeline {
	dup := *p
	if p.Metadata != nil {
		dup.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Metadata keys written by the orchestrator for diagnostics.
const (
	MetaRetryCount     = "retryCount"
	MetaFailedStage    = "failedStage"
	MetaCommandName    = "commandName"
	MetaOriginalCommit = "originalCommit"
	MetaFinalCommit    = "finalCommit"
	MetaChangeRequest  = "changeRequestRef"
)
