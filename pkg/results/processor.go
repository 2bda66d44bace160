// Package results validates executor output, opens change requests
// for successful write-capable executions, and dispatches outcome
// notifications.
package results

import (
	"context"
	"fmt"

	"repopilot/pkg/command"
	"repopilot/pkg/executor"
	"repopilot/pkg/forge"
	"repopilot/pkg/gitops"
	"repopilot/pkg/logx"
	"repopilot/pkg/notify"
	"repopilot/pkg/pipeline"
	"repopilot/pkg/stageerrors"
)

// StageName identifies the results stage in classified errors.
const StageName = "results"

// Input is everything the processor needs to finish one pipeline.
type Input struct {
	Pipeline    *pipeline.Pipeline
	Request     *command.Request
	Result      *executor.ExecutionResult
	RequestText string
	IssueNumber int
}

// Outcome reports what the processor did.
type Outcome struct {
	// ChangeRequest is set when one was created or reused.
	ChangeRequest *forge.ChangeRequest

	// Summary is the notification payload that was dispatched.
	Summary notify.PipelineSummary
}

// Processor is the thin final stage of the pipeline.
type Processor struct {
	logger  *logx.Logger
	adapter forge.Adapter
	router  *notify.Router
}

func NewProcessor(adapter forge.Adapter, router *notify.Router) *Processor {
	return &Processor{
		logger:  logx.NewLogger("results"),
		adapter: adapter,
		router:  router,
	}
}

// Process validates the execution result, opens a change request when
// warranted, and notifies the originating service. Notification
// delivery failures never surface as stage errors.
func (p *Processor) Process(ctx context.Context, input Input) (*Outcome, error) {
	if err := validate(input); err != nil {
		return nil, stageerrors.Validation(StageName, err)
	}

	res := input.Result
	summary := notify.PipelineSummary{
		PipelineID:   input.Pipeline.ID,
		Service:      input.Pipeline.Service,
		Repository:   input.Pipeline.Repository,
		CommandName:  input.Request.Name,
		ChangedFiles: res.Changes.Paths(),
		IssueNumber:  input.IssueNumber,
	}
	outcome := &Outcome{}

	if !res.Status.Success {
		summary.Error = res.Status.Error
		if summary.Error == "" {
			summary.Error = "command execution failed"
		}
		p.router.NotifyError(ctx, summary)
		outcome.Summary = summary
		return outcome, nil
	}

	if shouldCreateChangeRequest(input) {
		cr, err := p.adapter.CreateChangeRequest(ctx, forge.ChangeRequestInput{
			Repository:     input.Request.Context.Repository,
			BaseBranch:     input.Request.Context.BaseBranch,
			TargetBranch:   input.Request.Context.TargetBranch,
			OriginalCommit: res.OriginalCommit,
			FinalCommit:    res.FinalCommit,
			CommandName:    input.Request.Name,
			RequestText:    input.RequestText,
			Files:          res.Changes.Paths(),
		})
		if err != nil {
			// The forge call is a network API call; worth retrying.
			return nil, stageerrors.Transient(StageName, fmt.Errorf("change request creation failed: %w", err))
		}
		outcome.ChangeRequest = cr
		summary.ChangeRequestURL = cr.URL
		p.logger.Info("Created change request %s for pipeline %s", cr.Ref(), input.Pipeline.ID)
	}

	p.router.NotifySuccess(ctx, summary)
	outcome.Summary = summary
	return outcome, nil
}

// NotifyFailure sends the terminal failure notification for a
// pipeline that never produced a valid execution result.
func (p *Processor) NotifyFailure(ctx context.Context, pl *pipeline.Pipeline, commandName, issueText string, issueNumber int) {
	p.router.NotifyError(ctx, notify.PipelineSummary{
		PipelineID:  pl.ID,
		Service:     pl.Service,
		Repository:  pl.Repository,
		CommandName: commandName,
		IssueNumber: issueNumber,
		Error:       failureText(pl),
	})
}

func failureText(pl *pipeline.Pipeline) string {
	if pl.LastError != "" {
		return pl.LastError
	}
	return "pipeline failed"
}

// shouldCreateChangeRequest requires a successful execution that
// committed changes in a write-permitted context.
func shouldCreateChangeRequest(input Input) bool {
	return input.Result.Status.Success &&
		!input.Result.Changes.Empty() &&
		input.Request.Context.CanWrite &&
		input.Result.FinalCommit != ""
}

// validate rejects malformed executor output before any side effect.
func validate(input Input) error {
	if input.Pipeline == nil {
		return fmt.Errorf("pipeline record is required")
	}
	if input.Request == nil {
		return fmt.Errorf("command request is required")
	}
	if input.Result == nil {
		return fmt.Errorf("execution result is required")
	}
	res := input.Result
	if res.Status.Success && res.Status.Error != "" {
		return fmt.Errorf("successful result carries error %q", res.Status.Error)
	}
	if res.Changes != nil {
		for i, f := range res.Changes.Files {
			if f.Path == "" {
				return fmt.Errorf("change set entry %d has empty path", i)
			}
			switch f.Type {
			case gitops.ChangeAdded, gitops.ChangeModified, gitops.ChangeDeleted:
			default:
				return fmt.Errorf("change set entry %d has unknown type %q", i, f.Type)
			}
		}
	}
	if res.Status.Success && !res.Changes.Empty() && res.OriginalCommit == "" {
		return fmt.Errorf("change set present without original commit")
	}
	return nil
}
