// Package exec provides the isolated, resource-limited execution context
// commands run in. The Docker sandbox is the production implementation;
// the local runner exists for tests and development machines without a
// container runtime.
package exec

import (
	"context"
	"time"
)

// SandboxType identifies the sandbox implementation.
type SandboxType string

const (
	SandboxTypeDocker SandboxType = "docker"
	SandboxTypeLocal  SandboxType = "local"
)

// Sandbox runs one command in an isolated execution context.
type Sandbox interface {
	// Run executes argv with the given options and returns the captured
	// result. A non-zero exit code is reported in Result, not as an error;
	// errors mean the sandbox itself failed to launch or was torn down.
	Run(ctx context.Context, argv []string, opts *Opts) (Result, error)

	// Name returns the sandbox type for logging.
	Name() SandboxType

	// Available reports whether this sandbox can be used here.
	Available() bool
}

// Opts contains sandbox launch options.
type Opts struct {
	// Env contains environment variables (KEY=VALUE format).
	Env []string

	// ResourceLimits constrains the sandboxed process tree.
	ResourceLimits *ResourceLimits

	// Timeout is the hard wall-clock limit for the command.
	Timeout time.Duration

	// WorkDir is mounted read-write as the command's working directory.
	// Nothing else from the host is mounted.
	WorkDir string

	// NetworkEnabled grants network access; disabled unless the command
	// explicitly requires it.
	NetworkEnabled bool
}

// ResourceLimits defines resource constraints for sandboxed execution.
type ResourceLimits struct {
	// CPUs is the core allocation (e.g. "2", "1.5").
	CPUs string

	// Memory is the memory limit (e.g. "2g", "512m").
	Memory string

	// PIDs caps processes/threads.
	PIDs int64
}

// Result contains the outcome of a sandboxed command.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
	ExitCode int

	// TimedOut is set when the command was terminated by the hard
	// wall-clock limit.
	TimedOut bool
}
