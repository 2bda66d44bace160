// Package event defines the standardized event format produced by service
// ingress adapters. Every inbound trigger (issue comment, chat message,
// ticket update) is normalized into a StandardizedEvent before it enters
// the pipeline.
package event

import "time"

// RepositoryContext describes the repository an event targets.
type RepositoryContext struct {
	// Name is the full repository path, e.g. "org/repo".
	Name string `json:"name"`

	// DefaultBranch is the repository's default branch.
	DefaultBranch string `json:"default_branch"`

	// PrimaryLanguage is the dominant language reported by the service.
	PrimaryLanguage string `json:"primary_language,omitempty"`

	// CanRead indicates the integration has read access.
	CanRead bool `json:"can_read"`

	// CanWrite indicates the integration may push changes and open PRs.
	CanWrite bool `json:"can_write"`
}

// ExecutionEnv carries the branch context a command runs against.
type ExecutionEnv struct {
	// TargetBranch is the branch changes are pushed to.
	TargetBranch string `json:"target_branch"`

	// BaseBranch is the branch the workspace is cloned at.
	BaseBranch string `json:"base_branch"`

	// Production marks events originating from a production environment.
	Production bool `json:"production"`
}

// StandardizedEvent is the unified event format for all services.
// Immutable once created; consumed exactly once per pipeline.
type StandardizedEvent struct {
	// Service is the originating service name ("github", "slack", "linear").
	Service string `json:"service"`

	// RequestText is the cleaned-up natural language request.
	RequestText string `json:"request_text"`

	// Files lists file paths referenced in the request.
	Files []string `json:"files,omitempty"`

	// Branches lists branch names referenced in the request.
	Branches []string `json:"branches,omitempty"`

	// IssueNumber is the originating issue or PR number for forge
	// events; zero for services without one.
	IssueNumber int `json:"issue_number,omitempty"`

	Repository RepositoryContext `json:"repository"`
	Env        ExecutionEnv      `json:"env"`

	// CreatedAt is when the ingress adapter produced this event.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the minimum shape the orchestrator requires.
func (e *StandardizedEvent) Validate() error {
	switch {
	case e.Service == "":
		return errMissing("service")
	case e.RequestText == "":
		return errMissing("request_text")
	case e.Repository.Name == "":
		return errMissing("repository.name")
	case e.Repository.DefaultBranch == "":
		return errMissing("repository.default_branch")
	}
	return nil
}

type fieldError string

func (f fieldError) Error() string { return "event missing required field: " + string(f) }

func errMissing(field string) error { return fieldError(field) }
