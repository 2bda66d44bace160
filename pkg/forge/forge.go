// Package forge abstracts git hosting providers behind a narrow
// change-request interface. The adapter owns title and description
// formatting and the actual create call.
package forge

import (
	"context"
	"fmt"
)

// Provider identifies a git hosting provider.
type Provider string

const (
	ProviderGitHub Provider = "github"
)

// ChangeRequestInput carries everything an adapter needs to open a
// pull/merge request for an executed command's changes.
type ChangeRequestInput struct {
	// Repository is the "owner/repo" path.
	Repository string

	// BaseBranch is the branch the change request targets.
	BaseBranch string

	// TargetBranch is the branch holding the committed changes.
	TargetBranch string

	// OriginalCommit is the commit the workspace was cloned at.
	OriginalCommit string

	// FinalCommit is the commit carrying the changes.
	FinalCommit string

	// CommandName is the command that produced the changes.
	CommandName string

	// RequestText is the originating natural-language request.
	RequestText string

	// Files are the changed paths.
	Files []string
}

// ChangeRequest is a created pull/merge request reference.
type ChangeRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Ref returns a stable string reference for metadata and logs.
func (c *ChangeRequest) Ref() string {
	return fmt.Sprintf("#%d %s", c.Number, c.URL)
}

// Adapter is the repository-adapter contract the result processor
// consumes.
type Adapter interface {
	// Provider returns the hosting provider type.
	Provider() Provider

	// CreateChangeRequest opens a change request for the pushed
	// target branch, or returns the existing one for that branch so
	// redelivered result tasks never create duplicates.
	CreateChangeRequest(ctx context.Context, input ChangeRequestInput) (*ChangeRequest, error)

	// Comment posts a comment on an existing change request or issue.
	Comment(ctx context.Context, repository string, number int, body string) error
}
