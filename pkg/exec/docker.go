package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"repopilot/pkg/logx"
)

// DockerSandbox implements Sandbox using Docker (or podman) containers.
type DockerSandbox struct {
	logger            *logx.Logger
	image             string
	dockerCmd         string
	containerPrefix   string
	mu                sync.RWMutex
	runningContainers map[string]struct{}
}

// NewDockerSandbox creates a Docker sandbox running commands in image.
func NewDockerSandbox(image string) *DockerSandbox {
	// Prefer docker; fall back to podman when only podman is installed.
	dockerCmd := "docker"
	if _, err := osexec.LookPath("podman"); err == nil {
		if _, err := osexec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}

	return &DockerSandbox{
		logger:            logx.NewLogger("sandbox"),
		image:             image,
		dockerCmd:         dockerCmd,
		containerPrefix:   "repopilot-exec-",
		runningContainers: make(map[string]struct{}),
	}
}

// Name returns the sandbox type name.
func (d *DockerSandbox) Name() SandboxType {
	return SandboxTypeDocker
}

// Available checks that the container runtime exists and its daemon responds.
func (d *DockerSandbox) Available() bool {
	if _, err := osexec.LookPath(d.dockerCmd); err != nil {
		d.logger.Debug("Container runtime not found: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := osexec.CommandContext(ctx, d.dockerCmd, "ps", "-q")
	if err := cmd.Run(); err != nil {
		d.logger.Debug("Container daemon not available: %v", err)
		return false
	}
	return true
}

// Run executes argv in a fresh container. The container is always removed
// before Run returns, on every exit path.
func (d *DockerSandbox) Run(ctx context.Context, argv []string, opts *Opts) (Result, error) {
	start := time.Now()

	if len(argv) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		return Result{}, fmt.Errorf("sandbox options are required")
	}

	containerName := fmt.Sprintf("%s%d", d.containerPrefix, time.Now().UnixNano())
	dockerArgs := d.buildDockerArgs(containerName, argv, opts)

	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dockerCmd := osexec.CommandContext(execCtx, d.dockerCmd, dockerArgs...)

	d.mu.Lock()
	d.runningContainers[containerName] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.runningContainers, containerName)
		d.mu.Unlock()
		d.removeContainer(containerName)
	}()

	var stdout, stderr strings.Builder
	dockerCmd.Stdout = &stdout
	dockerCmd.Stderr = &stderr

	d.logger.Debug("Launching container %s: %s %s", containerName, d.dockerCmd, strings.Join(dockerArgs, " "))
	err := dockerCmd.Run()

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil && ctx.Err() == nil {
		// The hard timeout fired, not the caller's context.
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if launchFailure(code) {
				return result, fmt.Errorf("sandbox container failed to launch (exit %d): %s",
					code, strings.TrimSpace(stderr.String()))
			}
			// The command itself failed; that's a result, not a sandbox error.
			result.ExitCode = code
			return result, nil
		}
		return result, fmt.Errorf("failed to launch sandbox container: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}

// launchFailure reports whether a docker run exit code denotes a
// container-start failure (125 daemon error, 126 not executable,
// 127 not found) rather than the command's own exit status.
func launchFailure(code int) bool {
	return code >= 125 && code <= 127
}

// buildDockerArgs constructs the docker run arguments with the isolation
// and resource-limit flags.
func (d *DockerSandbox) buildDockerArgs(containerName string, argv []string, opts *Opts) []string {
	args := []string{"run", "--rm", "--name", containerName}

	// Security hardening.
	args = append(args, "--security-opt", "no-new-privileges")

	if !opts.NetworkEnabled {
		args = append(args, "--network", "none")
	}

	if opts.ResourceLimits != nil {
		if opts.ResourceLimits.CPUs != "" {
			args = append(args, "--cpus", opts.ResourceLimits.CPUs)
		}
		if opts.ResourceLimits.Memory != "" {
			args = append(args, "--memory", opts.ResourceLimits.Memory)
		}
		if opts.ResourceLimits.PIDs > 0 {
			args = append(args, "--pids-limit", strconv.FormatInt(opts.ResourceLimits.PIDs, 10))
		}
	}

	// Non-privileged execution as the invoking user.
	args = append(args, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))

	// Only the workspace is mounted; read-write, at a fixed path.
	if opts.WorkDir != "" {
		args = append(args, "--volume", fmt.Sprintf("%s:/workspace:rw", opts.WorkDir))
		args = append(args, "--workdir", "/workspace")
	}

	// Writable scratch space without exposing the host.
	args = append(args, "--tmpfs", "/tmp:exec,nodev,nosuid,size=100m")
	args = append(args, "--tmpfs", "/home:exec,nodev,nosuid,size=100m")

	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}

	args = append(args, d.image)
	args = append(args, argv...)
	return args
}

// removeContainer stops and removes the container if it is still around.
// Best effort: failures are logged, never propagated.
func (d *DockerSandbox) removeContainer(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopCmd := osexec.CommandContext(ctx, d.dockerCmd, "stop", containerName)
	if err := stopCmd.Run(); err != nil {
		d.logger.Debug("Failed to stop container %s: %v", containerName, err)
	}

	rmCmd := osexec.CommandContext(ctx, d.dockerCmd, "rm", "-f", containerName)
	if err := rmCmd.Run(); err != nil {
		d.logger.Debug("Failed to remove container %s: %v", containerName, err)
	}
}

// Shutdown force-stops all running containers, bounded by ctx.
func (d *DockerSandbox) Shutdown(ctx context.Context) error {
	d.mu.RLock()
	containers := make([]string, 0, len(d.runningContainers))
	for name := range d.runningContainers {
		containers = append(containers, name)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, containerName := range containers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			d.removeContainer(name)
		}(containerName)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
