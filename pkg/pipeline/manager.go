package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"repopilot/pkg/event"
	"repopilot/pkg/logx"
)

// Store is the durable record store the manager drives. One record per
// pipeline, keyed by id, with atomic compare-and-set on the version
// counter.
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Pipeline, error)

	// CreateIfAbsent persists a new record, or returns ErrAlreadyExists.
	CreateIfAbsent(ctx context.Context, p *Pipeline) error

	// CompareAndSet replaces the stored record if its version equals
	// expectedVersion, storing p with p.Version = expectedVersion + 1.
	// Returns ErrVersionConflict without mutating on a stale version.
	CompareAndSet(ctx context.Context, expectedVersion int64, p *Pipeline) error
}

// TransitionOpts carries the optional fields of a transition call.
type TransitionOpts struct {
	// TaskID identifies the queue task driving the new stage.
	TaskID string

	// Error is recorded as the pipeline's last error.
	Error string

	// MetadataPatch merges into the pipeline metadata.
	MetadataPatch map[string]string
}

// StateManager owns all pipeline mutation. Exactly one logical writer per
// pipeline is enforced by the version counter, not by locking: concurrent
// writers race on compare-and-set and the loser observes ErrVersionConflict.
type StateManager struct {
	store  Store
	logger *logx.Logger
	now    func() time.Time
}

// NewStateManager creates a state manager over the given store.
func NewStateManager(store Store) *StateManager {
	return &StateManager{
		store:  store,
		logger: logx.NewLogger("pipeline"),
		now:    time.Now,
	}
}

// Create allocates a pipeline for a validated event, persists it in
// RECEIVED at version 1, and returns the stored record.
func (m *StateManager) Create(ctx context.Context, ev *event.StandardizedEvent) (*Pipeline, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	now := m.now().UTC()
	p := &Pipeline{
		ID:         uuid.New().String(),
		State:      StateReceived,
		Service:    ev.Service,
		Repository: ev.Repository.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   map[string]string{},
		Version:    1,
	}

	if err := m.store.CreateIfAbsent(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to persist pipeline %s: %w", p.ID, err)
	}

	m.logger.Info("Created pipeline %s for %s event on %s", p.ID, p.Service, p.Repository)
	return p.Clone(), nil
}

// Get returns the current record for id.
func (m *StateManager) Get(ctx context.Context, id string) (*Pipeline, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Transition advances the pipeline to newState via compare-and-set.
//
// Returns ErrVersionConflict when expectedVersion is stale (a concurrent
// writer already advanced the pipeline — the caller drops its work as a
// stale duplicate), ErrTerminalState when the stored state is absorbing,
// and InvalidTransitionError when the transition is not legal.
func (m *StateManager) Transition(ctx context.Context, id string, expectedVersion int64, newState State, opts TransitionOpts) (*Pipeline, error) {
	if !newState.IsValid() {
		return nil, fmt.Errorf("unknown pipeline state %q", newState)
	}

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Terminal check before the version check: transitioning out of a
	// terminal state must fail distinguishably even with a stale version.
	if current.State.IsTerminal() {
		return nil, fmt.Errorf("pipeline %s in state %s: %w", id, current.State, ErrTerminalState)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("pipeline %s at version %d, caller expected %d: %w",
			id, current.Version, expectedVersion, ErrVersionConflict)
	}
	if !current.State.CanTransitionTo(newState) {
		return nil, &InvalidTransitionError{From: current.State, To: newState}
	}

	next := current.Clone()
	next.State = newState
	next.UpdatedAt = m.now().UTC()
	if opts.TaskID != "" {
		next.TaskID = opts.TaskID
	}
	if opts.Error != "" {
		next.LastError = opts.Error
	}
	if len(opts.MetadataPatch) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(opts.MetadataPatch))
		}
		for k, v := range opts.MetadataPatch {
			next.Metadata[k] = v
		}
	}

	if err := m.store.CompareAndSet(ctx, expectedVersion, next); err != nil {
		return nil, err
	}

	m.logger.Debug("Pipeline %s: %s -> %s (version %d -> %d)",
		id, current.State, newState, expectedVersion, next.Version)
	return next.Clone(), nil
}

// Fail moves the pipeline to FAILED recording the error message. A version
// conflict or terminal-state rejection is passed through for the caller to
// treat as a stale duplicate.
func (m *StateManager) Fail(ctx context.Context, id string, expectedVersion int64, cause string, metadataPatch map[string]string) (*Pipeline, error) {
	return m.Transition(ctx, id, expectedVersion, StateFailed, TransitionOpts{
		Error:         cause,
		MetadataPatch: metadataPatch,
	})
}

// Cancel sets the cancellation flag on the record. Workers observe the flag
// before starting stage work. Retries the compare-and-set on conflict since
// cancellation does not carry a caller version.
func (m *StateManager) Cancel(ctx context.Context, id string) error {
	for {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.State.IsTerminal() {
			return fmt.Errorf("pipeline %s in state %s: %w", id, current.State, ErrTerminalState)
		}
		if current.CancelRequested {
			return nil
		}

		next := current.Clone()
		next.CancelRequested = true
		next.UpdatedAt = m.now().UTC()

		err = m.store.CompareAndSet(ctx, current.Version, next)
		if err == nil {
			m.logger.Info("Cancellation requested for pipeline %s", id)
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		// Lost the race to another writer; re-read and try again.
	}
}
