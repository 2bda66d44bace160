package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"repopilot/pkg/logx"
)

// SQLiteQueue implements Queue on the shared pipeline database (pkg/store
// owns the schema). Visibility is implemented with a leased_until column:
// a received task stays invisible until its lease expires, then becomes
// deliverable again.
type SQLiteQueue struct {
	db     *sql.DB
	logger *logx.Logger
	now    func() time.Time
}

// NewSQLiteQueue creates a queue over an initialized database.
func NewSQLiteQueue(db *sql.DB) *SQLiteQueue {
	return &SQLiteQueue{
		db:     db,
		logger: logx.NewLogger("queue"),
		now:    time.Now,
	}
}

// Enqueue adds a task, available after delay, deduplicating on the
// idempotency key.
func (q *SQLiteQueue) Enqueue(ctx context.Context, task *Task, delay time.Duration) error {
	now := q.now().UTC()
	availableAt := now.Add(delay)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, lane, pipeline_id, expected_version, stage, payload,
			idempotency_key, attempt, available_at, enqueued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Lane), task.PipelineID, task.ExpectedVersion,
		task.Stage, string(task.Payload), task.IdempotencyKey, task.Attempt,
		availableAt, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("task %s: %w", task.IdempotencyKey, ErrDuplicate)
		}
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}

	q.logger.Debug("Enqueued %s task %s for pipeline %s (delay %s)",
		task.Stage, task.ID, task.PipelineID, delay)
	return nil
}

// Receive leases the oldest available task on the lane. A task whose lease
// has expired is deliverable again; its attempt count keeps growing, which
// is how crashed-worker redeliveries consume the retry budget.
func (q *SQLiteQueue) Receive(ctx context.Context, lane Lane, visibility time.Duration) (*Task, error) {
	now := q.now().UTC()
	leasedUntil := now.Add(visibility)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin receive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, lane, pipeline_id, expected_version, stage, payload,
		       idempotency_key, attempt, enqueued_at
		FROM tasks
		WHERE lane = ? AND available_at <= ?
		  AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY enqueued_at ASC
		LIMIT 1`, string(lane), now, now)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Attempt++
	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET leased_until = ?, attempt = ? WHERE id = ?`,
		leasedUntil, task.Attempt, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lease task %s: %w", task.ID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, ErrEmpty
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task lease: %w", err)
	}

	q.logger.Debug("Delivered %s task %s (attempt %d) on lane %s",
		task.Stage, task.ID, task.Attempt, lane)
	return task, nil
}

// Ack deletes a completed task.
func (q *SQLiteQueue) Ack(ctx context.Context, taskID string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", taskID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// Nack releases the task for redelivery after delay.
func (q *SQLiteQueue) Nack(ctx context.Context, taskID string, delay time.Duration) error {
	availableAt := q.now().UTC().Add(delay)
	result, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET leased_until = NULL, available_at = ? WHERE id = ?`,
		availableAt, taskID)
	if err != nil {
		return fmt.Errorf("failed to nack task %s: %w", taskID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// Len returns the number of tasks queued on the lane, leased or not.
func (q *SQLiteQueue) Len(ctx context.Context, lane Lane) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE lane = ?`, string(lane)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks on lane %s: %w", lane, err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var lane, payload string
	err := row.Scan(&t.ID, &lane, &t.PipelineID, &t.ExpectedVersion, &t.Stage,
		&payload, &t.IdempotencyKey, &t.Attempt, &t.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	t.Lane = Lane(lane)
	t.Payload = []byte(payload)
	return &t, nil
}
