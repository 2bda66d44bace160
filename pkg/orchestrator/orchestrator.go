// Package orchestrator owns the pipeline state machine. It creates
// pipelines from standardized events, drives every stage transition
// through the explicit stage table, and enqueues the next stage's
// task on each completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"repopilot/pkg/capability"
	"repopilot/pkg/command"
	"repopilot/pkg/event"
	"repopilot/pkg/executor"
	"repopilot/pkg/logx"
	"repopilot/pkg/metrics"
	"repopilot/pkg/pipeline"
	"repopilot/pkg/queue"
	"repopilot/pkg/results"
	"repopilot/pkg/stageerrors"
)

// Executor is the command-execution contract the orchestrator drives.
type Executor interface {
	Execute(ctx context.Context, req *command.Request) (executor.ExecutionResult, error)
}

// ExecutePayload is the execute-stage task body.
type ExecutePayload struct {
	Event   *event.StandardizedEvent `json:"event"`
	Request *command.Request         `json:"request"`
}

// ResultsPayload is the results-stage task body.
type ResultsPayload struct {
	Event   *event.StandardizedEvent  `json:"event"`
	Request *command.Request          `json:"request"`
	Result  *executor.ExecutionResult `json:"result"`
}

// errStale marks a transition lost to a concurrent writer. The stage
// drops its work as a stale duplicate, silently.
var errStale = errors.New("pipeline advanced by a concurrent writer")

// Orchestrator wires the stage handlers to their collaborators. All
// dependencies are explicit so tests can substitute fakes.
type Orchestrator struct {
	logger    *logx.Logger
	manager   *pipeline.StateManager
	queue     queue.Queue
	registry  *command.Registry
	selector  capability.CommandSelector
	argGen    capability.ArgumentGenerator
	executor  Executor
	processor *results.Processor
	recorder  *metrics.Recorder
}

func New(
	manager *pipeline.StateManager,
	q queue.Queue,
	registry *command.Registry,
	selector capability.CommandSelector,
	argGen capability.ArgumentGenerator,
	exec Executor,
	processor *results.Processor,
	recorder *metrics.Recorder,
) *Orchestrator {
	return &Orchestrator{
		logger:    logx.NewLogger("orchestrator"),
		manager:   manager,
		queue:     q,
		registry:  registry,
		selector:  selector,
		argGen:    argGen,
		executor:  exec,
		processor: processor,
		recorder:  recorder,
	}
}

// CreatePipeline persists a pipeline for the event and enqueues its
// first stage. This is the ingress entry point.
func (o *Orchestrator) CreatePipeline(ctx context.Context, ev *event.StandardizedEvent) (string, error) {
	p, err := o.manager.Create(ctx, ev)
	if err != nil {
		return "", err
	}

	task, err := queue.NewTask(uuid.New().String(), queue.LaneControl, p.ID, queue.StageSelect, p.Version, ev)
	if err != nil {
		return "", err
	}
	if err := o.queue.Enqueue(ctx, task, 0); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return "", fmt.Errorf("failed to enqueue first stage for pipeline %s: %w", p.ID, err)
	}
	return p.ID, nil
}

// Cancel requests cancellation; workers honor the flag before stage
// work and terminate a running sandbox mid-execution.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.manager.Cancel(ctx, id)
}

// HandleStage dispatches a guarded task to its stage handler.
func (o *Orchestrator) HandleStage(ctx context.Context, task *queue.Task, p *pipeline.Pipeline) error {
	var err error
	switch task.Stage {
	case queue.StageSelect:
		err = o.handleSelect(ctx, task, p)
	case queue.StageExecute:
		err = o.handleExecute(ctx, task, p)
	case queue.StageResults:
		err = o.handleResults(ctx, task, p)
	default:
		return stageerrors.Fatalf(task.Stage, "unknown stage %q", task.Stage)
	}

	if errors.Is(err, errStale) {
		o.logger.Debug("Stage %s for pipeline %s dropped as stale", task.Stage, p.ID)
		return nil
	}
	return err
}

// OnTerminalFailure notifies the originating service after the
// dispatcher records a FAILED state.
func (o *Orchestrator) OnTerminalFailure(ctx context.Context, task *queue.Task, p *pipeline.Pipeline, _ error) {
	ev := o.eventFromTask(task)
	issueNumber := 0
	if ev != nil {
		issueNumber = ev.IssueNumber
	}
	o.processor.NotifyFailure(ctx, p, p.Metadata[pipeline.MetaCommandName], "", issueNumber)
}

// handleSelect resolves the event into a CommandRequest. Selection
// and argument generation are pure external calls, so the pipeline
// stays in RECEIVED until they succeed; transient provider failures
// retry against an unchanged version.
func (o *Orchestrator) handleSelect(ctx context.Context, task *queue.Task, p *pipeline.Pipeline) error {
	var ev event.StandardizedEvent
	if err := task.DecodePayload(&ev); err != nil {
		return stageerrors.Validation(task.Stage, err)
	}

	name, err := o.selector.SelectCommand(ctx, ev.RequestText, o.registry)
	if err != nil {
		return err
	}
	cmd, err := o.registry.Get(name)
	if err != nil {
		return stageerrors.Fatal(task.Stage, err)
	}

	required, optional, err := o.argGen.GenerateArguments(ctx, cmd, ev.RequestText, ev.Files, ev.Branches)
	if err != nil {
		return err
	}

	baseBranch := ev.Env.BaseBranch
	if baseBranch == "" {
		baseBranch = ev.Repository.DefaultBranch
	}
	targetBranch := ev.Env.TargetBranch
	if targetBranch == "" && cmd.Writes {
		targetBranch = fmt.Sprintf("repopilot/%s-%s", cmd.Name, p.ID[:8])
	}

	req := &command.Request{
		Name:         name,
		RequiredArgs: required,
		OptionalArgs: optional,
		Context: command.ExecContext{
			Repository:   ev.Repository.Name,
			TargetBranch: targetBranch,
			BaseBranch:   baseBranch,
			CanWrite:     ev.Repository.CanWrite,
		},
	}
	if err := cmd.ValidateRequest(req); err != nil {
		return stageerrors.Validation(task.Stage, err)
	}

	patch := o.retryPatch(p, task.Attempt)
	patch[pipeline.MetaCommandName] = name

	p1, err := o.advance(ctx, task, p.ID, task.ExpectedVersion, pipeline.StateProcessing, pipeline.TransitionOpts{
		TaskID:        task.ID,
		MetadataPatch: patch,
	})
	if err != nil {
		return err
	}
	p2, err := o.advance(ctx, task, p.ID, p1.Version, pipeline.StateDispatching, pipeline.TransitionOpts{})
	if err != nil {
		return err
	}

	return o.enqueueNext(ctx, queue.LaneExecute, p.ID, queue.StageExecute, p2.Version, &ExecutePayload{Event: &ev, Request: req})
}

// handleExecute runs the sandboxed command. The executor's own
// side effects are confined to the workspace it removes, so transient
// failures retry the whole stage from scratch against the unchanged
// DISPATCHING version. Completion, successful or not, advances to
// EXECUTING and hands the result to the results stage.
func (o *Orchestrator) handleExecute(ctx context.Context, task *queue.Task, p *pipeline.Pipeline) error {
	var payload ExecutePayload
	if err := task.DecodePayload(&payload); err != nil {
		return stageerrors.Validation(task.Stage, err)
	}
	if payload.Request == nil || payload.Event == nil {
		return stageerrors.Validation(task.Stage, fmt.Errorf("execute payload missing event or request"))
	}

	res, execErr := o.executor.Execute(ctx, payload.Request)
	if execErr != nil && !ranToCompletion(&res) {
		// The command never ran; nothing to report downstream.
		return execErr
	}

	if res.WorkspaceBytes > 0 {
		o.recorder.ObserveWorkspaceBytes(res.WorkspaceBytes)
	}

	patch := o.retryPatch(p, task.Attempt)
	if res.OriginalCommit != "" {
		patch[pipeline.MetaOriginalCommit] = res.OriginalCommit
	}
	if res.FinalCommit != "" {
		patch[pipeline.MetaFinalCommit] = res.FinalCommit
	}

	p1, err := o.advance(ctx, task, p.ID, task.ExpectedVersion, pipeline.StateExecuting, pipeline.TransitionOpts{
		TaskID:        task.ID,
		MetadataPatch: patch,
	})
	if err != nil {
		return err
	}

	return o.enqueueNext(ctx, queue.LaneControl, p.ID, queue.StageResults, p1.Version, &ResultsPayload{
		Event:   payload.Event,
		Request: payload.Request,
		Result:  &res,
	})
}

// handleResults finishes the pipeline: validate the result, create a
// change request when warranted, notify, and settle the terminal
// state. Processing happens before any transition so a transient
// forge failure retries against the unchanged EXECUTING version.
func (o *Orchestrator) handleResults(ctx context.Context, task *queue.Task, p *pipeline.Pipeline) error {
	var payload ResultsPayload
	if err := task.DecodePayload(&payload); err != nil {
		return stageerrors.Validation(task.Stage, err)
	}

	requestText := ""
	issueNumber := 0
	if payload.Event != nil {
		requestText = payload.Event.RequestText
		issueNumber = payload.Event.IssueNumber
	}

	outcome, err := o.processor.Process(ctx, results.Input{
		Pipeline:    p,
		Request:     payload.Request,
		Result:      payload.Result,
		RequestText: requestText,
		IssueNumber: issueNumber,
	})
	if err != nil {
		return err
	}

	patch := o.retryPatch(p, task.Attempt)
	if outcome.ChangeRequest != nil {
		patch[pipeline.MetaChangeRequest] = outcome.ChangeRequest.Ref()
	}

	p1, err := o.advance(ctx, task, p.ID, task.ExpectedVersion, pipeline.StateProcessingResults, pipeline.TransitionOpts{
		TaskID:        task.ID,
		MetadataPatch: patch,
	})
	if err != nil {
		return err
	}

	if payload.Result.Status.Success {
		if _, err := o.advance(ctx, task, p.ID, p1.Version, pipeline.StateCompleted, pipeline.TransitionOpts{}); err != nil {
			return err
		}
		o.recorder.ObserveTerminal(p.Service, "completed")
		o.logger.Info("Pipeline %s completed", p.ID)
		return nil
	}

	cause := payload.Result.Status.Error
	if cause == "" {
		cause = "command execution failed"
	}
	if _, err := o.manager.Fail(ctx, p.ID, p1.Version, cause, map[string]string{
		pipeline.MetaFailedStage: queue.StageExecute,
	}); err != nil {
		if pipeline.IsVersionConflict(err) || errors.Is(err, pipeline.ErrTerminalState) {
			return nil
		}
		return stageerrors.Transient(task.Stage, err)
	}
	o.recorder.ObserveTerminal(p.Service, "failed")
	o.logger.Info("Pipeline %s failed: %s", p.ID, cause)
	return nil
}

// advance wraps a state transition, mapping version conflicts and
// terminal-state rejections to the stale-drop sentinel and store
// failures to transient errors.
func (o *Orchestrator) advance(ctx context.Context, task *queue.Task, id string, expectedVersion int64, state pipeline.State, opts pipeline.TransitionOpts) (*pipeline.Pipeline, error) {
	next, err := o.manager.Transition(ctx, id, expectedVersion, state, opts)
	if err != nil {
		if pipeline.IsVersionConflict(err) || errors.Is(err, pipeline.ErrTerminalState) {
			return nil, errStale
		}
		return nil, stageerrors.Transient(task.Stage, err)
	}
	return next, nil
}

// enqueueNext adds the following stage's task. A duplicate key means
// a redelivered task already enqueued it; that is a no-op.
func (o *Orchestrator) enqueueNext(ctx context.Context, lane queue.Lane, pipelineID, stage string, expectedVersion int64, payload any) error {
	task, err := queue.NewTask(uuid.New().String(), lane, pipelineID, stage, expectedVersion, payload)
	if err != nil {
		return stageerrors.Fatal(stage, err)
	}
	if err := o.queue.Enqueue(ctx, task, 0); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			o.logger.Debug("Stage %s for pipeline %s already enqueued", stage, pipelineID)
			return nil
		}
		return stageerrors.Transient(stage, err)
	}
	return nil
}

// retryPatch accumulates the pipeline's total retry count across
// stages so it survives for audit after completion.
func (o *Orchestrator) retryPatch(p *pipeline.Pipeline, attempt int) map[string]string {
	patch := map[string]string{}
	total := attempt - 1
	if prev, err := strconv.Atoi(p.Metadata[pipeline.MetaRetryCount]); err == nil {
		total += prev
	}
	if total > 0 {
		patch[pipeline.MetaRetryCount] = strconv.Itoa(total)
	}
	return patch
}

// eventFromTask recovers the standardized event from any stage's
// payload, best effort.
func (o *Orchestrator) eventFromTask(task *queue.Task) *event.StandardizedEvent {
	switch task.Stage {
	case queue.StageSelect:
		var ev event.StandardizedEvent
		if err := task.DecodePayload(&ev); err == nil {
			return &ev
		}
	case queue.StageExecute:
		var payload ExecutePayload
		if err := task.DecodePayload(&payload); err == nil {
			return payload.Event
		}
	case queue.StageResults:
		var payload ResultsPayload
		if err := task.DecodePayload(&payload); err == nil {
			return payload.Event
		}
	}
	return nil
}

// ranToCompletion reports whether the sandboxed command actually ran
// and produced a reportable status, as opposed to failing before
// launch.
func ranToCompletion(res *executor.ExecutionResult) bool {
	return res.Status.Success || res.Status.Error != ""
}
