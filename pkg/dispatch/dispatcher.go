// Package dispatch runs the stage worker pools. Workers lease tasks
// from the queue, enforce the version guard and cancellation checks,
// invoke the stage handler, and apply the retry/backoff discipline to
// classified failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"repopilot/pkg/config"
	"repopilot/pkg/logx"
	"repopilot/pkg/metrics"
	"repopilot/pkg/pipeline"
	"repopilot/pkg/queue"
	"repopilot/pkg/stageerrors"
)

// Handler executes one stage of a pipeline. Implementations classify
// their own failures; the dispatcher trusts the classification.
type Handler interface {
	// HandleStage runs stage work for a task whose version guard has
	// already passed. p is the freshly read pipeline record.
	HandleStage(ctx context.Context, task *queue.Task, p *pipeline.Pipeline) error

	// OnTerminalFailure is called after the dispatcher moves a
	// pipeline to FAILED, so the owner can send notifications.
	OnTerminalFailure(ctx context.Context, task *queue.Task, p *pipeline.Pipeline, cause error)
}

// Dispatcher owns the control and execute lane worker pools.
type Dispatcher struct {
	logger   *logx.Logger
	queue    queue.Queue
	manager  *pipeline.StateManager
	handler  Handler
	recorder *metrics.Recorder

	visibility   time.Duration
	pollInterval time.Duration
	maxRetries   int
	backoffBase  time.Duration
	backoffCap   time.Duration
	softTimeout  time.Duration
	hardTimeout  time.Duration
	controlN     int
	executeN     int

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	group    *errgroup.Group
}

// NewDispatcher wires a dispatcher from configuration.
func NewDispatcher(q queue.Queue, manager *pipeline.StateManager, handler Handler, recorder *metrics.Recorder, queueCfg config.QueueConfig, pipelineCfg config.PipelineConfig) *Dispatcher {
	return &Dispatcher{
		logger:       logx.NewLogger("dispatch"),
		queue:        q,
		manager:      manager,
		handler:      handler,
		recorder:     recorder,
		visibility:   queueCfg.Visibility(),
		pollInterval: queueCfg.PollInterval(),
		maxRetries:   pipelineCfg.MaxStageRetries,
		backoffBase:  pipelineCfg.BackoffBase(),
		backoffCap:   pipelineCfg.BackoffCap(),
		softTimeout:  pipelineCfg.SoftTimeout(),
		hardTimeout:  pipelineCfg.ExecutionTimeout(),
		controlN:     queueCfg.ControlWorkers,
		executeN:     queueCfg.ExecuteWorkers,
	}
}

// Start launches the worker pools. The execute lane gets its own
// capacity so saturated command executions never starve the
// lightweight select/results stages.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.shutdown = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher: %d control workers, %d execute workers", d.controlN, d.executeN)

	group, groupCtx := errgroup.WithContext(ctx)
	d.group = group

	for i := 0; i < d.controlN; i++ {
		group.Go(func() error {
			d.worker(groupCtx, queue.LaneControl)
			return nil
		})
	}
	for i := 0; i < d.executeN; i++ {
		group.Go(func() error {
			d.worker(groupCtx, queue.LaneExecute)
			return nil
		})
	}
	group.Go(func() error {
		d.depthMonitor(groupCtx)
		return nil
	})

	return nil
}

// Stop signals the workers and waits for them, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.shutdown)
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out")
		return ctx.Err()
	}
}

// worker leases and processes tasks on one lane until shutdown.
func (d *Dispatcher) worker(ctx context.Context, lane queue.Lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		default:
		}

		task, err := d.queue.Receive(ctx, lane, d.visibility)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				d.logger.Warn("Receive on %s lane failed: %v", lane, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-d.shutdown:
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		d.process(ctx, task)
	}
}

// process applies the version guard and cancellation check, then runs
// the stage handler and settles the task.
func (d *Dispatcher) process(ctx context.Context, task *queue.Task) {
	p, err := d.manager.Get(ctx, task.PipelineID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			d.logger.Warn("Dropping task %s: pipeline %s not found", task.ID, task.PipelineID)
			d.ack(ctx, task)
			return
		}
		// Store read failure: release the task for redelivery.
		d.nack(ctx, task, d.pollInterval)
		return
	}

	if p.State.IsTerminal() {
		d.logger.Debug("Dropping task %s: pipeline %s already %s", task.ID, p.ID, p.State)
		d.ack(ctx, task)
		return
	}

	// Checked before the version guard: Cancel's own CAS bumps the
	// version, so a cancelled pipeline's outstanding tasks always
	// carry a stale expected version.
	if p.CancelRequested {
		d.failPipeline(ctx, task, p, stageerrors.Fatalf(task.Stage, "pipeline cancelled"))
		d.ack(ctx, task)
		return
	}

	// Version guard: a mismatch means a concurrent or earlier worker
	// already advanced the pipeline, so this delivery is a stale
	// duplicate and must produce no side effects.
	if p.Version != task.ExpectedVersion {
		d.logger.Debug("Dropping stale task %s for pipeline %s: version %d, expected %d",
			task.ID, p.ID, p.Version, task.ExpectedVersion)
		d.recorder.ObserveStaleTask()
		d.ack(ctx, task)
		return
	}

	start := time.Now()
	stageErr := d.runStage(ctx, task, p)
	duration := time.Since(start)

	if stageErr == nil {
		d.recorder.ObserveStage(task.Stage, "ok", duration)
		d.ack(ctx, task)
		return
	}

	class := stageerrors.ClassOf(stageErr)
	d.recorder.ObserveStage(task.Stage, class.String(), duration)

	switch class {
	case stageerrors.ClassTransient:
		if task.Attempt <= d.maxRetries {
			delay := d.backoff(task.Attempt)
			d.logger.Warn("Stage %s for pipeline %s failed (attempt %d/%d), retrying in %s: %v",
				task.Stage, p.ID, task.Attempt, d.maxRetries+1, delay.Round(time.Millisecond), stageErr)
			d.recorder.ObserveRetry(task.Stage)
			d.nack(ctx, task, delay)
			return
		}
		d.failPipeline(ctx, task, p, fmt.Errorf("retries exhausted after %d attempts: %w", task.Attempt, stageErr))
	default:
		// Validation and fatal failures are never retried.
		d.failPipeline(ctx, task, p, stageErr)
	}
	d.ack(ctx, task)
}

// executeHeadroom pads the execute-lane deadline past the sandbox hard
// timeout so clone and push have room before the attempt is cut off.
const executeHeadroom = 2 * time.Minute

// errCancelRequested marks a stage context cancelled because a cancel
// request landed while the stage was running.
var errCancelRequested = errors.New("cancellation requested")

// stageDeadline bounds one handler attempt. The execute lane gets the
// hard execution timeout plus headroom; control stages only make API
// calls and are bounded by the soft timeout. Zero disables the bound.
func (d *Dispatcher) stageDeadline(lane queue.Lane) time.Duration {
	if lane == queue.LaneExecute {
		if d.hardTimeout <= 0 {
			return 0
		}
		return d.hardTimeout + executeHeadroom
	}
	return d.softTimeout
}

// runStage invokes the handler under the stage deadline, converting a
// panic into a fatal stage error so one bad stage never takes down the
// worker pool. A cancel request observed mid-flight cancels the stage
// context, tearing down whatever the handler is blocked on.
func (d *Dispatcher) runStage(ctx context.Context, task *queue.Task, p *pipeline.Pipeline) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Stage %s for pipeline %s panicked: %v", task.Stage, p.ID, r)
			err = stageerrors.Fatalf(task.Stage, "stage panicked: %v", r)
		}
	}()

	limit := d.stageDeadline(task.Lane)
	stageCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	stageCtx, cancelStage := context.WithCancelCause(stageCtx)
	defer cancelStage(nil)

	stopWatch := d.watchCancellation(stageCtx, p.ID, cancelStage)
	defer stopWatch()

	err = d.handler.HandleStage(stageCtx, task, p)
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(stageCtx), errCancelRequested) {
		return stageerrors.Fatalf(task.Stage, "pipeline cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) && stageCtx.Err() != nil && ctx.Err() == nil {
		return stageerrors.Transient(task.Stage, fmt.Errorf("stage attempt exceeded %s: %w", limit, err))
	}
	return err
}

// watchCancellation polls the store while a stage runs and cancels the
// stage context when a cancel request lands mid-flight. The returned
// stop function must be called before the task is settled.
func (d *Dispatcher) watchCancellation(ctx context.Context, pipelineID string, cancel context.CancelCauseFunc) func() {
	interval := d.pollInterval
	if interval <= 0 {
		interval = time.Second
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				p, err := d.manager.Get(ctx, pipelineID)
				if err == nil && p.CancelRequested {
					cancel(errCancelRequested)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// failPipeline moves the pipeline to FAILED with the cause recorded.
// A version conflict here means another worker got there first.
func (d *Dispatcher) failPipeline(ctx context.Context, task *queue.Task, p *pipeline.Pipeline, cause error) {
	current, err := d.manager.Get(ctx, p.ID)
	if err != nil {
		d.logger.Error("Cannot fail pipeline %s: %v", p.ID, err)
		return
	}
	if current.State.IsTerminal() {
		return
	}

	retries := task.Attempt - 1
	patch := map[string]string{pipeline.MetaFailedStage: task.Stage}
	if retries > 0 {
		patch[pipeline.MetaRetryCount] = fmt.Sprintf("%d", retries)
	}

	failed, err := d.manager.Fail(ctx, p.ID, current.Version, cause.Error(), patch)
	if err != nil {
		if pipeline.IsVersionConflict(err) || errors.Is(err, pipeline.ErrTerminalState) {
			d.logger.Debug("Pipeline %s already settled by another worker", p.ID)
			return
		}
		d.logger.Error("Failed to record failure for pipeline %s: %v", p.ID, err)
		return
	}

	d.logger.Info("Pipeline %s failed at stage %s: %v", p.ID, task.Stage, cause)
	d.recorder.ObserveTerminal(failed.Service, "failed")
	d.handler.OnTerminalFailure(ctx, task, failed, cause)
}

// backoff computes base * 2^(attempt-1) capped, with ±20% jitter so
// synchronized retries spread out.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.backoffBase
	for i := 1; i < attempt && delay < d.backoffCap; i++ {
		delay *= 2
	}
	if delay > d.backoffCap {
		delay = d.backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	if rand.Intn(2) == 0 {
		return delay - jitter
	}
	return delay + jitter
}

// depthMonitor publishes lane depths to the metrics recorder.
func (d *Dispatcher) depthMonitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			for _, lane := range []queue.Lane{queue.LaneControl, queue.LaneExecute} {
				if depth, err := d.queue.Len(ctx, lane); err == nil {
					d.recorder.SetQueueDepth(string(lane), depth)
				}
			}
		}
	}
}

func (d *Dispatcher) ack(ctx context.Context, task *queue.Task) {
	if err := d.queue.Ack(ctx, task.ID); err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
		d.logger.Warn("Ack of task %s failed: %v", task.ID, err)
	}
}

func (d *Dispatcher) nack(ctx context.Context, task *queue.Task, delay time.Duration) {
	if err := d.queue.Nack(ctx, task.ID, delay); err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
		d.logger.Warn("Nack of task %s failed: %v", task.ID, err)
	}
}
