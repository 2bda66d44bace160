// Package config provides configuration loading and validation for the
// pipeline service.
//
// Configuration is strictly separated from state: anything that changes at
// runtime (pipeline records, task leases, retry counts) belongs in the
// database, never here. The loaded Config is passed explicitly into every
// component constructor; there is no process-wide config singleton in the
// core path, which keeps stage handlers testable with fake collaborators.
package config

import (
	"fmt"
	"time"
)

// Defaults for the recognized options.
const (
	DefaultExecutionTimeoutSeconds = 900
	DefaultSoftTimeoutSeconds      = 600
	DefaultMaxStageRetries         = 3
	DefaultRetryBackoffBaseSeconds = 5
	DefaultRetryBackoffCapSeconds  = 300
	DefaultMaxWorkspaceBytes       = 2 << 30 // 2 GiB
	DefaultContainerMemoryLimit    = "2g"
	DefaultContainerCPULimit       = "2"
	DefaultContainerPIDLimit       = 1024
	DefaultVisibilitySeconds       = 120
	DefaultControlWorkers          = 4
	DefaultExecuteWorkers          = 2
	DefaultPollIntervalMillis      = 250
	DefaultStalePipelineHours      = 24
	DefaultMaxRequestTokens        = 4000
)

// Config is the root configuration document.
type Config struct {
	// DatabasePath is the SQLite file hosting pipeline records and tasks.
	DatabasePath string `yaml:"database_path"`

	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Queue     QueueConfig     `yaml:"queue"`
	LLM       LLMConfig       `yaml:"llm"`
	Forge     ForgeConfig     `yaml:"forge"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Commands  []CommandConfig `yaml:"commands"`
}

// PipelineConfig holds stage timing and retry policy.
type PipelineConfig struct {
	// ExecutionTimeoutSeconds is the hard wall-clock limit for the
	// sandboxed command stage. Exceeding it is fatal, never retried.
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds"`

	// SoftTimeoutSeconds logs a warning when a stage runs past it but
	// lets the stage finish.
	SoftTimeoutSeconds int `yaml:"soft_timeout_seconds"`

	// MaxStageRetries bounds transient-failure retries per stage.
	MaxStageRetries int `yaml:"max_stage_retries"`

	// RetryBackoffBaseSeconds is the base of the exponential backoff
	// (base * 2^attempt, capped at RetryBackoffCapSeconds).
	RetryBackoffBaseSeconds int `yaml:"retry_backoff_base_seconds"`
	RetryBackoffCapSeconds  int `yaml:"retry_backoff_cap_seconds"`

	// StalePipelineHours is the janitor cutoff: non-terminal pipelines
	// untouched longer than this are failed.
	StalePipelineHours int `yaml:"stale_pipeline_hours"`
}

// StaleAge returns the janitor cutoff as a duration.
func (p *PipelineConfig) StaleAge() time.Duration {
	return time.Duration(p.StalePipelineHours) * time.Hour
}

// ExecutionTimeout returns the hard limit as a duration.
func (p *PipelineConfig) ExecutionTimeout() time.Duration {
	return time.Duration(p.ExecutionTimeoutSeconds) * time.Second
}

// SoftTimeout returns the soft limit as a duration.
func (p *PipelineConfig) SoftTimeout() time.Duration {
	return time.Duration(p.SoftTimeoutSeconds) * time.Second
}

// BackoffBase returns the backoff base as a duration.
func (p *PipelineConfig) BackoffBase() time.Duration {
	return time.Duration(p.RetryBackoffBaseSeconds) * time.Second
}

// BackoffCap returns the backoff cap as a duration.
func (p *PipelineConfig) BackoffCap() time.Duration {
	return time.Duration(p.RetryBackoffCapSeconds) * time.Second
}

// WorkspaceConfig controls the workspace quota root.
type WorkspaceConfig struct {
	// Root is the directory all workspaces are allocated under.
	Root string `yaml:"root"`

	// MaxWorkspaceBytes caps the total size of the quota root.
	MaxWorkspaceBytes int64 `yaml:"max_workspace_bytes"`
}

// SandboxConfig controls the isolated execution context.
type SandboxConfig struct {
	// Image is the container image commands run in.
	Image string `yaml:"image"`

	// MemoryLimit is the container memory limit (e.g. "2g", "512m").
	MemoryLimit string `yaml:"container_memory_limit"`

	// CPULimit is the container CPU allocation (e.g. "2", "1.5").
	CPULimit string `yaml:"container_cpu_limit"`

	// PIDLimit caps processes/threads inside the sandbox.
	PIDLimit int64 `yaml:"container_pid_limit"`
}

// QueueConfig controls delivery and worker capacity.
type QueueConfig struct {
	// VisibilitySeconds is how long a received task stays leased before
	// it is redelivered to another worker.
	VisibilitySeconds int `yaml:"visibility_timeout_seconds"`

	// ControlWorkers is the worker count for the select/results lane.
	ControlWorkers int `yaml:"control_workers"`

	// ExecuteWorkers is the worker count for the execution lane.
	ExecuteWorkers int `yaml:"execute_workers"`

	// PollIntervalMillis is the idle polling interval.
	PollIntervalMillis int `yaml:"poll_interval_millis"`
}

// Visibility returns the visibility timeout as a duration.
func (q *QueueConfig) Visibility() time.Duration {
	return time.Duration(q.VisibilitySeconds) * time.Second
}

// PollInterval returns the idle polling interval as a duration.
func (q *QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMillis) * time.Millisecond
}

// LLMConfig selects the completion provider backing command selection and
// argument generation.
type LLMConfig struct {
	// Provider is one of "anthropic", "openai", "gemini", "ollama".
	Provider string `yaml:"provider"`

	// Model is the provider-specific model name.
	Model string `yaml:"model"`

	// Host is the server URL for the ollama provider.
	Host string `yaml:"host,omitempty"`

	// APIKeySecret names the secret holding the provider API key.
	APIKeySecret string `yaml:"api_key_secret,omitempty"`

	// MaxRequestTokens bounds the request text sent to the provider;
	// longer texts are truncated by token count.
	MaxRequestTokens int `yaml:"max_request_tokens"`
}

// ForgeConfig identifies the git hosting provider.
type ForgeConfig struct {
	// Provider is the forge type; only "github" is currently wired.
	Provider string `yaml:"provider"`

	// TokenSecret names the secret holding the repository access token.
	TokenSecret string `yaml:"token_secret,omitempty"`
}

// MetricsConfig controls the prometheus surface.
type MetricsConfig struct {
	// ListenAddr serves /metrics and /healthz when non-empty.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// PrometheusURL is the server queried by the audit aggregation
	// service; empty disables querying.
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

// CommandConfig defines one registered command. The registry is assembled
// from these entries at process start; there is no runtime dynamic loading.
type CommandConfig struct {
	// Name is the command identifier the selector chooses by.
	Name string `yaml:"name"`

	// Argv is the command line run inside the sandbox. Occurrences of
	// {{arg}} are substituted from the generated argument map.
	Argv []string `yaml:"argv"`

	// RequiredArgs must all be present in the generated argument map.
	RequiredArgs []string `yaml:"required_args,omitempty"`

	// OptionalArgs may be present.
	OptionalArgs []string `yaml:"optional_args,omitempty"`

	// Documentation is the human-readable description offered to the
	// command selector.
	Documentation string `yaml:"documentation"`

	// RequiredEnv lists environment variable names exported into the
	// sandbox for this command.
	RequiredEnv []string `yaml:"required_env,omitempty"`

	// NeedsNetwork grants the sandbox network access.
	NeedsNetwork bool `yaml:"needs_network,omitempty"`

	// Writes marks commands allowed to modify the repository.
	Writes bool `yaml:"writes,omitempty"`
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Pipeline.ExecutionTimeoutSeconds <= 0 {
		c.Pipeline.ExecutionTimeoutSeconds = DefaultExecutionTimeoutSeconds
	}
	if c.Pipeline.SoftTimeoutSeconds <= 0 {
		c.Pipeline.SoftTimeoutSeconds = DefaultSoftTimeoutSeconds
	}
	if c.Pipeline.MaxStageRetries <= 0 {
		c.Pipeline.MaxStageRetries = DefaultMaxStageRetries
	}
	if c.Pipeline.RetryBackoffBaseSeconds <= 0 {
		c.Pipeline.RetryBackoffBaseSeconds = DefaultRetryBackoffBaseSeconds
	}
	if c.Pipeline.RetryBackoffCapSeconds <= 0 {
		c.Pipeline.RetryBackoffCapSeconds = DefaultRetryBackoffCapSeconds
	}
	if c.Pipeline.StalePipelineHours <= 0 {
		c.Pipeline.StalePipelineHours = DefaultStalePipelineHours
	}
	if c.Workspace.MaxWorkspaceBytes <= 0 {
		c.Workspace.MaxWorkspaceBytes = DefaultMaxWorkspaceBytes
	}
	if c.Sandbox.MemoryLimit == "" {
		c.Sandbox.MemoryLimit = DefaultContainerMemoryLimit
	}
	if c.Sandbox.CPULimit == "" {
		c.Sandbox.CPULimit = DefaultContainerCPULimit
	}
	if c.Sandbox.PIDLimit <= 0 {
		c.Sandbox.PIDLimit = DefaultContainerPIDLimit
	}
	if c.Queue.VisibilitySeconds <= 0 {
		c.Queue.VisibilitySeconds = DefaultVisibilitySeconds
	}
	if c.Queue.ControlWorkers <= 0 {
		c.Queue.ControlWorkers = DefaultControlWorkers
	}
	if c.Queue.ExecuteWorkers <= 0 {
		c.Queue.ExecuteWorkers = DefaultExecuteWorkers
	}
	if c.Queue.PollIntervalMillis <= 0 {
		c.Queue.PollIntervalMillis = DefaultPollIntervalMillis
	}
	if c.LLM.MaxRequestTokens <= 0 {
		c.LLM.MaxRequestTokens = DefaultMaxRequestTokens
	}
}

// Validate rejects configurations the service cannot run with. Invalid
// configs never make it past startup.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if c.Pipeline.SoftTimeoutSeconds > c.Pipeline.ExecutionTimeoutSeconds {
		return fmt.Errorf("pipeline.soft_timeout_seconds (%d) must not exceed execution_timeout_seconds (%d)",
			c.Pipeline.SoftTimeoutSeconds, c.Pipeline.ExecutionTimeoutSeconds)
	}
	if len(c.Commands) == 0 {
		return fmt.Errorf("at least one command must be configured")
	}

	seen := make(map[string]bool, len(c.Commands))
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if cmd.Name == "" {
			return fmt.Errorf("commands[%d]: name is required", i)
		}
		if seen[cmd.Name] {
			return fmt.Errorf("duplicate command name %q", cmd.Name)
		}
		seen[cmd.Name] = true
		if len(cmd.Argv) == 0 {
			return fmt.Errorf("command %q: argv is required", cmd.Name)
		}
	}

	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini", "ollama":
	case "":
		return fmt.Errorf("llm.provider is required")
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}

	return nil
}
