package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repopilot/pkg/event"
)

// memStore is an in-memory Store with the same compare-and-set semantics
// as the SQLite implementation.
type memStore struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

func newMemStore() *memStore {
	return &memStore{pipelines: make(map[string]*Pipeline)}
}

func (s *memStore) Get(_ context.Context, id string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *memStore) CreateIfAbsent(_ context.Context, p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; ok {
		return fmt.Errorf("pipeline %s: %w", p.ID, ErrAlreadyExists)
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

func (s *memStore) CompareAndSet(_ context.Context, expectedVersion int64, p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pipelines[p.ID]
	if !ok {
		return fmt.Errorf("pipeline %s: %w", p.ID, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("pipeline %s at version %d, caller expected %d: %w",
			p.ID, current.Version, expectedVersion, ErrVersionConflict)
	}
	p.Version = expectedVersion + 1
	s.pipelines[p.ID] = p.Clone()
	return nil
}

func testEvent() *event.StandardizedEvent {
	return &event.StandardizedEvent{
		Service:     "github",
		RequestText: "add retries to the uploader",
		Repository: event.RepositoryContext{
			Name:          "acme/payments",
			DefaultBranch: "main",
			CanRead:       true,
			CanWrite:      true,
		},
	}
}

func TestManagerCreate(t *testing.T) {
	m := NewStateManager(newMemStore())

	p, err := m.Create(context.Background(), testEvent())
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StateReceived, p.State)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "github", p.Service)
	assert.Equal(t, "acme/payments", p.Repository)
}

func TestManagerCreateRejectsInvalidEvent(t *testing.T) {
	m := NewStateManager(newMemStore())

	ev := testEvent()
	ev.RequestText = ""
	_, err := m.Create(context.Background(), ev)
	assert.Error(t, err)
}

func TestManagerTransitionHappyPath(t *testing.T) {
	ctx := context.Background()
	m := NewStateManager(newMemStore())

	p, err := m.Create(ctx, testEvent())
	require.NoError(t, err)

	states := []State{
		StateProcessing, StateDispatching, StateExecuting,
		StateProcessingResults, StateCompleted,
	}
	for _, next := range states {
		p, err = m.Transition(ctx, p.ID, p.Version, next, TransitionOpts{})
		require.NoError(t, err, "transition to %s", next)
		assert.Equal(t, next, p.State)
	}
	assert.Equal(t, int64(6), p.Version)
}

func TestManagerTransitionStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := NewStateManager(store)

	p, err := m.Create(ctx, testEvent())
	require.NoError(t, err)

	_, err = m.Transition(ctx, p.ID, p.Version, StateProcessing, TransitionOpts{})
	require.NoError(t, err)

	// A second writer still holding version 1 must lose without mutating.
	_, err = m.Transition(ctx, p.ID, p.Version, StateProcessing, TransitionOpts{})
	require.Error(t, err)
	assert.True(t, IsVersionConflict(err))

	stored, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, stored.State)
	assert.Equal(t, int64(2), stored.Version)
}

func TestManagerTransitionOutOfTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewStateManager(newMemStore())

	p, err := m.Create(ctx, testEvent())
	require.NoError(t, err)
	p, err = m.Fail(ctx, p.ID, p.Version, "clone failed", nil)
	require.NoError(t, err)

	// Terminal rejection is distinguishable from a version conflict even
	// when the caller's version is also stale.
	_, err = m.Transition(ctx, p.ID, 1, StateProcessing, TransitionOpts{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTerminalState))
	assert.False(t, IsVersionConflict(err))

	_, err = m.Transition(ctx, p.ID, p.Version, StateProcessing, TransitionOpts{})
	assert.True(t, errors.Is(err, ErrTerminalState))
}

func TestManagerTransitionIllegal(t *testing.T) {
	ctx := context.Background()
	m := NewStateManager(newMemStore())

	p, err := m.Create(ctx, testEvent())
	require.NoError(t, err)

	_, err = m.Transition(ctx, p.ID, p.Version, StateExecuting, TransitionOpts{})
	require.Error(t, err)
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StateReceived, invalid.From)
	assert.Equal(t, StateExecuting, invalid.To)
}

func TestManagerTransitionPatchesMetadata(t *testing.T) {
	ctx := context.Background()
	m := NewStateManager(newMemStore())

	p, err := m.Create(ctx, testEvent())
	require.NoError(t, err)

	p, err = m.Transition(ctx, p.ID, p.Version, StateProcessing, TransitionOpts{
		TaskID:        "task-1",
		MetadataPatch: map[string]string{MetaCommandName: "refactor"},
	})
	require.NoError(t, err)

	p, err = m.Transition(ctx, p.ID, p.Version, StateDispatching, TransitionOpts{
		MetadataPatch: map[string]string{MetaRetryCount: "2"},
	})
	require.NoError(t, err)

	// Patches merge; earlier keys survive later transitions.
	assert.Equal(t, "refactor", p.Metadata[MetaCommandName])
	assert.Equal(t, "2", p.Metadata[MetaRetryCount])
	assert.Equal(t, "task-1", p.TaskID)
}

func TestManagerFailRecordsCause(t *testing.T) {
	ctx := context.Background()
	m := NewStateManager(newMemStore())

	p, err := m.Create(ctx, testEvent())
	require.NoError(t, err)

	p, err = m.Fail(ctx, p.ID, p.Version, "sandbox launch failed", map[string]string{
		MetaFailedStage: "execute",
	})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, p.State)
	assert.Equal(t, "sandbox launch failed", p.LastError)
	assert.Equal(t, "execute", p.Metadata[MetaFailedStage])
}

func TestManagerCancel(t *testing.T) {
	ctx := context.Background()
	m := NewStateManager(newMemStore())

	p, err := m.Create(ctx, testEvent())
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, p.ID))

	stored, err := m.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)

	// Idempotent.
	require.NoError(t, m.Cancel(ctx, p.ID))

	_, err = m.Fail(ctx, stored.ID, stored.Version, "cancelled", nil)
	require.NoError(t, err)
	err = m.Cancel(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrTerminalState))
}
