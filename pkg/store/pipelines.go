package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"repopilot/pkg/pipeline"
)

// PipelineStore implements pipeline.Store on SQLite.
type PipelineStore struct {
	db *sql.DB
}

// NewPipelineStore creates a pipeline store over an initialized database.
func NewPipelineStore(db *sql.DB) *PipelineStore {
	return &PipelineStore{db: db}
}

// Get returns the record for id, or pipeline.ErrNotFound.
func (s *PipelineStore) Get(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, task_id, service, repository, created_at, updated_at,
		       last_error, metadata, cancel_requested, version
		FROM pipelines WHERE id = ?`, id)

	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline %s: %w", id, err)
	}
	return p, nil
}

// CreateIfAbsent persists a new record, or returns pipeline.ErrAlreadyExists.
func (s *PipelineStore) CreateIfAbsent(ctx context.Context, p *pipeline.Pipeline) error {
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipelines (
			id, state, task_id, service, repository, created_at, updated_at,
			last_error, metadata, cancel_requested, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.State), p.TaskID, p.Service, p.Repository,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
		p.LastError, metadata, boolToInt(p.CancelRequested), p.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pipeline %s: %w", p.ID, pipeline.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert pipeline %s: %w", p.ID, err)
	}
	return nil
}

// CompareAndSet replaces the stored record if its version equals
// expectedVersion, bumping the stored version to expectedVersion+1.
// A stale expected version returns pipeline.ErrVersionConflict and leaves
// the record untouched.
func (s *PipelineStore) CompareAndSet(ctx context.Context, expectedVersion int64, p *pipeline.Pipeline) error {
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET
			state = ?, task_id = ?, last_error = ?, metadata = ?,
			cancel_requested = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(p.State), p.TaskID, p.LastError, metadata,
		boolToInt(p.CancelRequested), p.UpdatedAt.UTC(), expectedVersion+1,
		p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline %s: %w", p.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result for pipeline %s: %w", p.ID, err)
	}
	if affected == 0 {
		// Distinguish a missing record from a stale version.
		if _, getErr := s.Get(ctx, p.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("pipeline %s: %w", p.ID, pipeline.ErrVersionConflict)
	}

	p.Version = expectedVersion + 1
	return nil
}

// CountByState returns the number of pipelines in each state, for metrics
// and audit tooling.
func (s *PipelineStore) CountByState(ctx context.Context) (map[pipeline.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM pipelines GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pipelines by state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[pipeline.State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[pipeline.State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state counts: %w", err)
	}
	return counts, nil
}

// ListStale returns non-terminal pipelines not updated since the cutoff.
// Used by the orchestrator janitor to fail abandoned pipelines.
func (s *PipelineStore) ListStale(ctx context.Context, cutoff time.Time) ([]*pipeline.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, task_id, service, repository, created_at, updated_at,
		       last_error, metadata, cancel_requested, version
		FROM pipelines
		WHERE state NOT IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC`,
		string(pipeline.StateCompleted), string(pipeline.StateFailed), cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stale []*pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale pipeline: %w", err)
		}
		stale = append(stale, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale pipelines: %w", err)
	}
	return stale, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row scanner) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var state, metadata string
	var cancelRequested int

	err := row.Scan(&p.ID, &state, &p.TaskID, &p.Service, &p.Repository,
		&p.CreatedAt, &p.UpdatedAt, &p.LastError, &metadata, &cancelRequested, &p.Version)
	if err != nil {
		return nil, err
	}

	p.State = pipeline.State(state)
	p.CancelRequested = cancelRequested != 0
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline metadata: %w", err)
		}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	return &p, nil
}

func marshalMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode pipeline metadata: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
