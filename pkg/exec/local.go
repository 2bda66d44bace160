package exec

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"strings"
	"time"

	"repopilot/pkg/logx"
)

// LocalSandbox runs commands directly on the host with no isolation.
// Intended for tests and development, never for untrusted work.
type LocalSandbox struct {
	logger *logx.Logger
}

func NewLocalSandbox() *LocalSandbox {
	return &LocalSandbox{logger: logx.NewLogger("local-exec")}
}

func (l *LocalSandbox) Name() SandboxType {
	return SandboxTypeLocal
}

// Available always reports true; there is nothing to probe.
func (l *LocalSandbox) Available() bool {
	return true
}

func (l *LocalSandbox) Run(ctx context.Context, argv []string, opts *Opts) (Result, error) {
	start := time.Now()

	if len(argv) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if opts != nil && opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(execCtx, argv[0], argv[1:]...)
	if opts != nil {
		cmd.Dir = opts.WorkDir
		cmd.Env = opts.Env
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil && ctx.Err() == nil {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to start command: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}
