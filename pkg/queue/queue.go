// Package queue defines the stage task queue: at-least-once asynchronous
// delivery of stage-work items to the worker pool, with per-item attempt
// counts, delayed availability for backoff, and visibility timeouts so a
// crashed worker's task is redelivered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Lane separates worker capacity. The execute lane hosts the long-running
// sandboxed command stage so it can never starve control stages.
type Lane string

const (
	LaneControl Lane = "control"
	LaneExecute Lane = "execute"
)

// Stage names carried on task messages.
const (
	StageSelect  = "select"
	StageExecute = "execute"
	StageResults = "results"
)

// Task is one stage-work item. Payload is the JSON-encoded stage input
// (StandardizedEvent, CommandRequest, or ExecutionResult).
type Task struct {
	ID              string          `json:"id"`
	Lane            Lane            `json:"lane"`
	PipelineID      string          `json:"pipeline_id"`
	ExpectedVersion int64           `json:"expected_version"`
	Stage           string          `json:"stage"`
	Payload         json.RawMessage `json:"payload"`
	IdempotencyKey  string          `json:"idempotency_key"`

	// Attempt is the delivery attempt count, starting at 1 on first
	// receive. Incremented by the queue on every delivery.
	Attempt int `json:"attempt"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DecodePayload unmarshals the task payload into v.
func (t *Task) DecodePayload(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload for pipeline %s: %w", t.Stage, t.PipelineID, err)
	}
	return nil
}

// IdempotencyKey derives the dedup key for a stage task. Two enqueues of
// the same (pipeline, stage, version) triple collapse into one task.
func IdempotencyKey(pipelineID, stage string, expectedVersion int64) string {
	return fmt.Sprintf("%s:%s:%d", pipelineID, stage, expectedVersion)
}

// Queue errors.
var (
	// ErrEmpty is returned by Receive when no task is available.
	ErrEmpty = errors.New("queue is empty")

	// ErrDuplicate is returned by Enqueue when a task with the same
	// idempotency key is already queued. Callers treat it as a no-op.
	ErrDuplicate = errors.New("task already enqueued")

	// ErrTaskNotFound is returned by Ack/Nack for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

// Queue is the wire contract for the stage task queue. Delivery is
// at-least-once: a task received but neither acked nor nacked becomes
// available again once its visibility lease expires.
type Queue interface {
	// Enqueue adds a task, available after delay. Deduplicates on the
	// idempotency key (ErrDuplicate).
	Enqueue(ctx context.Context, task *Task, delay time.Duration) error

	// Receive leases the next available task on the lane for the
	// visibility duration, incrementing its attempt count. Returns
	// ErrEmpty when nothing is available.
	Receive(ctx context.Context, lane Lane, visibility time.Duration) (*Task, error)

	// Ack removes a completed (or stale-duplicate) task.
	Ack(ctx context.Context, taskID string) error

	// Nack releases a task for redelivery after delay, preserving its
	// attempt count.
	Nack(ctx context.Context, taskID string, delay time.Duration) error

	// Len returns the number of tasks queued on the lane.
	Len(ctx context.Context, lane Lane) (int, error)
}

// NewTask builds a stage task with its derived idempotency key.
func NewTask(id string, lane Lane, pipelineID, stage string, expectedVersion int64, payload any) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", stage, err)
	}
	return &Task{
		ID:              id,
		Lane:            lane,
		PipelineID:      pipelineID,
		ExpectedVersion: expectedVersion,
		Stage:           stage,
		Payload:         data,
		IdempotencyKey:  IdempotencyKey(pipelineID, stage, expectedVersion),
		EnqueuedAt:      time.Now().UTC(),
	}, nil
}
