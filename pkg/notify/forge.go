package notify

import (
	"context"
	"fmt"

	"repopilot/pkg/forge"
)

// ForgeNotifier posts pipeline outcomes as comments on the
// originating forge issue or pull request.
type ForgeNotifier struct {
	service string
	adapter forge.Adapter
}

// NewForgeNotifier creates a notifier for service backed by adapter.
func NewForgeNotifier(service string, adapter forge.Adapter) *ForgeNotifier {
	return &ForgeNotifier{service: service, adapter: adapter}
}

func (f *ForgeNotifier) Service() string {
	return f.service
}

func (f *ForgeNotifier) NotifySuccess(ctx context.Context, summary PipelineSummary) error {
	return f.comment(ctx, summary, "✅ "+summary.Outcome())
}

func (f *ForgeNotifier) NotifyError(ctx context.Context, summary PipelineSummary) error {
	return f.comment(ctx, summary, "❌ "+summary.Outcome())
}

func (f *ForgeNotifier) comment(ctx context.Context, summary PipelineSummary, body string) error {
	if summary.IssueNumber <= 0 {
		return fmt.Errorf("no originating issue for pipeline %s", summary.PipelineID)
	}
	return f.adapter.Comment(ctx, summary.Repository, summary.IssueNumber, body)
}
