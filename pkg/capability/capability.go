// Package capability provides the command-selection and
// argument-generation capabilities backed by LLM providers. Both are
// consumed as pure, possibly-failing calls with no pipeline side
// effects beyond their return value.
package capability

import (
	"context"

	"repopilot/pkg/command"
)

// Role constants for completion messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionMessage is one turn in a completion conversation.
type CompletionMessage struct {
	Role    string
	Content string
}

// CompletionRequest is a provider-agnostic completion call.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the provider's reply.
type CompletionResponse struct {
	Content string
}

// CompletionClient is the narrow LLM-provider contract.
type CompletionClient interface {
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)
	ModelName() string
}

// CommandSelector picks a registered command for a request.
type CommandSelector interface {
	SelectCommand(ctx context.Context, requestText string, registry *command.Registry) (string, error)
}

// ArgumentGenerator fills a selected command's argument maps.
type ArgumentGenerator interface {
	GenerateArguments(ctx context.Context, cmd *command.Command, requestText string, files, branches []string) (required, optional map[string]string, err error)
}
