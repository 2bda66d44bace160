// Package notify delivers pipeline outcome notifications through
// per-service adapters. Delivery failures are logged and never affect
// pipeline state.
package notify

import (
	"context"
	"fmt"
	"strings"

	"repopilot/pkg/logx"
)

// PipelineSummary is the service-agnostic notification payload.
type PipelineSummary struct {
	// PipelineID identifies the pipeline.
	PipelineID string

	// Service is the originating service name ("github", "slack", ...).
	Service string

	// Repository is the target repository.
	Repository string

	// CommandName is the executed command.
	CommandName string

	// ChangedFiles lists paths the execution modified.
	ChangedFiles []string

	// ChangeRequestURL links the created change request, when any.
	ChangeRequestURL string

	// IssueNumber is the originating issue or PR number, when the
	// event came from a forge comment. Zero when not applicable.
	IssueNumber int

	// Error is the human-readable failure summary, empty on success.
	Error string
}

// Outcome renders a one-line human-readable summary.
func (s *PipelineSummary) Outcome() string {
	if s.Error != "" {
		return fmt.Sprintf("Command %s failed on %s: %s", s.CommandName, s.Repository, s.Error)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Command %s completed on %s", s.CommandName, s.Repository)
	if n := len(s.ChangedFiles); n > 0 {
		fmt.Fprintf(&b, " with %d changed file(s)", n)
	}
	if s.ChangeRequestURL != "" {
		fmt.Fprintf(&b, ": %s", s.ChangeRequestURL)
	}
	return b.String()
}

// Notifier is one service adapter's notification contract.
type Notifier interface {
	// Service returns the service name this adapter handles.
	Service() string

	// NotifySuccess reports a completed pipeline.
	NotifySuccess(ctx context.Context, summary PipelineSummary) error

	// NotifyError reports a failed pipeline with a readable summary,
	// never the raw internal error.
	NotifyError(ctx context.Context, summary PipelineSummary) error
}

// Router fans a summary out to the adapter registered for its service.
// An unknown service falls back to the log notifier.
type Router struct {
	logger   *logx.Logger
	adapters map[string]Notifier
	fallback Notifier
}

func NewRouter(adapters ...Notifier) *Router {
	byService := make(map[string]Notifier, len(adapters))
	for _, a := range adapters {
		byService[a.Service()] = a
	}
	return &Router{
		logger:   logx.NewLogger("notify"),
		adapters: byService,
		fallback: NewLogNotifier(),
	}
}

// NotifySuccess routes the success notification. Failures are logged
// and swallowed.
func (r *Router) NotifySuccess(ctx context.Context, summary PipelineSummary) {
	if err := r.adapterFor(summary.Service).NotifySuccess(ctx, summary); err != nil {
		r.logger.Warn("Success notification for pipeline %s failed: %v", summary.PipelineID, err)
	}
}

// NotifyError routes the failure notification. Failures are logged and
// swallowed.
func (r *Router) NotifyError(ctx context.Context, summary PipelineSummary) {
	if err := r.adapterFor(summary.Service).NotifyError(ctx, summary); err != nil {
		r.logger.Warn("Error notification for pipeline %s failed: %v", summary.PipelineID, err)
	}
}

func (r *Router) adapterFor(service string) Notifier {
	if a, ok := r.adapters[service]; ok {
		return a
	}
	return r.fallback
}

// LogNotifier writes notifications to the process log. Used as the
// fallback and in tests.
type LogNotifier struct {
	logger *logx.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("notify-log")}
}

func (l *LogNotifier) Service() string {
	return "log"
}

func (l *LogNotifier) NotifySuccess(_ context.Context, summary PipelineSummary) error {
	l.logger.Info("Pipeline %s: %s", summary.PipelineID, summary.Outcome())
	return nil
}

func (l *LogNotifier) NotifyError(_ context.Context, summary PipelineSummary) error {
	l.logger.Error("Pipeline %s: %s", summary.PipelineID, summary.Outcome())
	return nil
}
