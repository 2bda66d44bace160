// Package executor runs resolved commands against a fresh clone of the
// target repository inside a resource-limited sandbox and extracts the
// resulting change set.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"repopilot/pkg/auth"
	"repopilot/pkg/command"
	"repopilot/pkg/config"
	sandboxexec "repopilot/pkg/exec"
	"repopilot/pkg/gitops"
	"repopilot/pkg/logx"
	"repopilot/pkg/stageerrors"
	"repopilot/pkg/workspace"
)

// StageName identifies the execution stage in classified errors.
const StageName = "execute"

// ExecutionStatus is the outcome of one sandboxed command run.
type ExecutionStatus struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// ExecutionResult is the executor's complete output for one stage
// invocation. Immutable once returned.
type ExecutionResult struct {
	Status         ExecutionStatus   `json:"status"`
	Stdout         string            `json:"stdout,omitempty"`
	Stderr         string            `json:"stderr,omitempty"`
	Changes        *gitops.ChangeSet `json:"changes,omitempty"`
	OriginalCommit string            `json:"original_commit,omitempty"`
	FinalCommit    string            `json:"final_commit,omitempty"`
	WorkspacePath  string            `json:"workspace_path,omitempty"`
	WorkspaceBytes int64             `json:"workspace_bytes,omitempty"`
	Duration       time.Duration     `json:"duration_ns,omitempty"`
}

// GitRunner is the slice of gitops the executor needs.
type GitRunner interface {
	Clone(ctx context.Context, dir string, opts gitops.CloneOptions) error
	HeadCommit(ctx context.Context, dir string) (string, error)
	CheckoutNewBranch(ctx context.Context, dir, branch string) error
	Status(ctx context.Context, dir string) (*gitops.ChangeSet, error)
	AddAll(ctx context.Context, dir string) error
	Commit(ctx context.Context, dir, message string) error
	Push(ctx context.Context, dir, branch, token string) error
}

// CommandExecutor owns workspace and sandbox resources for the
// lifetime of one Execute call and releases them on every exit path.
type CommandExecutor struct {
	logger     *logx.Logger
	workspaces *workspace.Manager
	git        GitRunner
	sandbox    sandboxexec.Sandbox
	tokens     auth.TokenSource
	registry   *command.Registry
	sandboxCfg config.SandboxConfig
	cloneBase  string
	hardLimit  time.Duration
	softLimit  time.Duration
}

// NewCommandExecutor wires an executor. cloneBase is the forge HTTPS
// base, e.g. "https://github.com".
func NewCommandExecutor(
	workspaces *workspace.Manager,
	git GitRunner,
	sandbox sandboxexec.Sandbox,
	tokens auth.TokenSource,
	registry *command.Registry,
	sandboxCfg config.SandboxConfig,
	pipelineCfg config.PipelineConfig,
	cloneBase string,
) *CommandExecutor {
	return &CommandExecutor{
		logger:     logx.NewLogger("executor"),
		workspaces: workspaces,
		git:        git,
		sandbox:    sandbox,
		tokens:     tokens,
		registry:   registry,
		sandboxCfg: sandboxCfg,
		cloneBase:  cloneBase,
		hardLimit:  pipelineCfg.ExecutionTimeout(),
		softLimit:  pipelineCfg.SoftTimeout(),
	}
}

// Execute turns a resolved CommandRequest into an ExecutionResult.
//
// A command that runs but fails (non-zero exit, timeout) is reported
// through the result with Status.Success=false plus a fatal error; the
// result still carries captured output for notification. Failures
// before the command runs return a classified error and a zero result.
func (e *CommandExecutor) Execute(ctx context.Context, req *command.Request) (ExecutionResult, error) {
	start := time.Now()
	var result ExecutionResult

	cmd, err := e.registry.Get(req.Name)
	if err != nil {
		return result, stageerrors.Fatal(StageName, err)
	}
	if err := cmd.ValidateRequest(req); err != nil {
		return result, stageerrors.Validation(StageName, err)
	}

	argv, err := cmd.BuildArgv(req)
	if err != nil {
		return result, stageerrors.Validation(StageName, err)
	}

	token, err := e.tokens.Token(ctx)
	if err != nil {
		// No usable credential is not recoverable by retrying.
		return result, stageerrors.Fatal(StageName, fmt.Errorf("repository credential unavailable: %w", err))
	}

	ws, err := e.workspaces.Create(ctx)
	if err != nil {
		return result, stageerrors.Fatal(StageName, fmt.Errorf("workspace allocation failed: %w", err))
	}
	// Workspace removal happens on every exit path. A removal failure
	// is logged inside Remove and never masks the stage outcome.
	defer e.workspaces.Remove(ws)

	cloneURL := fmt.Sprintf("%s/%s.git", strings.TrimRight(e.cloneBase, "/"), req.Context.Repository)
	cloneErr := e.git.Clone(ctx, ws.RepoDir, gitops.CloneOptions{
		URL:    cloneURL,
		Branch: req.Context.BaseBranch,
		Token:  token.Value,
	})
	if cloneErr != nil {
		return result, classifyCloneError(cloneErr)
	}

	originalCommit, err := e.git.HeadCommit(ctx, ws.RepoDir)
	if err != nil {
		return result, stageerrors.Transient(StageName, err)
	}
	result.OriginalCommit = originalCommit
	result.WorkspacePath = ws.Path

	if cmd.Writes && req.Context.TargetBranch != "" && req.Context.TargetBranch != req.Context.BaseBranch {
		if err := e.git.CheckoutNewBranch(ctx, ws.RepoDir, req.Context.TargetBranch); err != nil {
			return result, stageerrors.Transient(StageName, err)
		}
	}

	var softTimer *time.Timer
	if e.softLimit > 0 {
		softTimer = time.AfterFunc(e.softLimit, func() {
			e.logger.Warn("Command %s exceeded soft timeout of %s, still running", req.Name, e.softLimit)
		})
		defer softTimer.Stop()
	}

	// The credential stays outside the sandbox: only the declared
	// environment variables are forwarded.
	runResult, err := e.sandbox.Run(ctx, argv, &sandboxexec.Opts{
		WorkDir:        ws.RepoDir,
		Timeout:        e.hardLimit,
		NetworkEnabled: cmd.NeedsNetwork,
		Env:            cmd.ForwardEnv(),
		ResourceLimits: &sandboxexec.ResourceLimits{
			CPUs:   e.sandboxCfg.CPULimit,
			Memory: e.sandboxCfg.MemoryLimit,
			PIDs:   e.sandboxCfg.PIDLimit,
		},
	})
	if err != nil {
		return result, stageerrors.Transient(StageName, fmt.Errorf("sandbox launch failed: %w", err))
	}

	result.Stdout = runResult.Stdout
	result.Stderr = runResult.Stderr
	result.Duration = time.Since(start)

	if size, sizeErr := workspace.DirSize(ws.Path); sizeErr == nil {
		result.WorkspaceBytes = size
	}

	if runResult.TimedOut {
		// Partial side effects of a killed command cannot be trusted
		// to re-run, so the timeout is terminal.
		result.Status = ExecutionStatus{Success: false, ExitCode: runResult.ExitCode, Error: fmt.Sprintf("command timed out after %s", e.hardLimit)}
		return result, stageerrors.Fatal(StageName, fmt.Errorf("command %s timed out after %s", req.Name, e.hardLimit))
	}

	if runResult.ExitCode != 0 {
		result.Status = ExecutionStatus{
			Success:  false,
			ExitCode: runResult.ExitCode,
			Error:    summarizeStderr(runResult.Stderr),
		}
		return result, stageerrors.Fatal(StageName, fmt.Errorf("command %s exited with code %d", req.Name, runResult.ExitCode))
	}

	changes, err := e.git.Status(ctx, ws.RepoDir)
	if err != nil {
		return result, stageerrors.Transient(StageName, err)
	}
	result.Changes = changes

	if cmd.Writes && !changes.Empty() && req.Context.CanWrite {
		if err := e.git.AddAll(ctx, ws.RepoDir); err != nil {
			return result, stageerrors.Transient(StageName, err)
		}
		msg := fmt.Sprintf("Apply %s", req.Name)
		if err := e.git.Commit(ctx, ws.RepoDir, msg); err != nil {
			return result, stageerrors.Transient(StageName, err)
		}
		finalCommit, err := e.git.HeadCommit(ctx, ws.RepoDir)
		if err != nil {
			return result, stageerrors.Transient(StageName, err)
		}
		result.FinalCommit = finalCommit

		// The workspace is destroyed on return, so the branch must be
		// pushed before the change set leaves the executor.
		branch := req.Context.TargetBranch
		if branch == "" {
			branch = req.Context.BaseBranch
		}
		if err := e.git.Push(ctx, ws.RepoDir, branch, token.Value); err != nil {
			return result, stageerrors.Transient(StageName, err)
		}
	}

	result.Status = ExecutionStatus{Success: true, ExitCode: 0}
	result.Duration = time.Since(start)
	e.logger.Info("Command %s completed in %s with %d changed files", req.Name, result.Duration.Round(time.Millisecond), len(changes.Files))
	return result, nil
}

// classifyCloneError separates credential rejections (fatal) from
// network and rate-limit failures (transient).
func classifyCloneError(err error) *stageerrors.Error {
	msg := strings.ToLower(err.Error())
	fatalMarkers := []string{
		"authentication failed",
		"invalid username or password",
		"could not read username",
		"permission denied",
		"repository not found",
		"403",
	}
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return stageerrors.Fatal(StageName, fmt.Errorf("clone rejected: %w", err))
		}
	}
	return stageerrors.Transient(StageName, fmt.Errorf("clone failed: %w", err))
}

// summarizeStderr trims stderr to its last lines for a notification
// payload, keeping internal detail out of user-facing messages.
func summarizeStderr(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return "command reported failure with no error output"
	}
	lines := strings.Split(stderr, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
