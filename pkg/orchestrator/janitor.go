package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repopilot/pkg/logx"
	"repopilot/pkg/pipeline"
)

// StaleLister lists non-terminal pipelines not updated since cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]*pipeline.Pipeline, error)
}

// Janitor reaps pipelines stuck in a non-terminal state past the
// configured age, typically after a crash lost their queue task and
// the visibility timeout could not recover it.
type Janitor struct {
	logger   *logx.Logger
	manager  *pipeline.StateManager
	lister   StaleLister
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewJanitor(manager *pipeline.StateManager, lister StaleLister, maxAge time.Duration) *Janitor {
	return &Janitor{
		logger:   logx.NewLogger("janitor"),
		manager:  manager,
		lister:   lister,
		maxAge:   maxAge,
		interval: 10 * time.Minute,
		now:      time.Now,
	}
}

// Run sweeps periodically until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep fails every stale pipeline once. Version conflicts mean the
// pipeline moved after listing; those are skipped, not errors.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := j.now().Add(-j.maxAge)
	stale, err := j.lister.ListStale(ctx, cutoff)
	if err != nil {
		j.logger.Warn("Stale pipeline listing failed: %v", err)
		return
	}

	for _, p := range stale {
		cause := fmt.Sprintf("pipeline stale in state %s since %s", p.State, p.UpdatedAt.Format(time.RFC3339))
		_, err := j.manager.Fail(ctx, p.ID, p.Version, cause, map[string]string{
			pipeline.MetaFailedStage: string(p.State),
		})
		switch {
		case err == nil:
			j.logger.Info("Reaped stale pipeline %s (was %s)", p.ID, p.State)
		case pipeline.IsVersionConflict(err) || errors.Is(err, pipeline.ErrTerminalState):
			// Moved on after we listed it.
		default:
			j.logger.Warn("Failed to reap pipeline %s: %v", p.ID, err)
		}
	}
}
