package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"repopilot/pkg/command"
	"repopilot/pkg/logx"
	"repopilot/pkg/stageerrors"
)

// StageName identifies the selection stage in classified errors.
const StageName = "select"

const selectSystemPrompt = `You pick exactly one command for an automated repository-change request.
Reply with only the command name, nothing else. If no command fits, reply with "none".`

const argsSystemPrompt = `You fill in arguments for a repository-change command.
Reply with a single JSON object of the form {"required": {...}, "optional": {...}}.
Every value must be a string. Omit optional arguments you cannot infer. Reply with JSON only.`

// LLMCapability implements CommandSelector and ArgumentGenerator on a
// CompletionClient.
type LLMCapability struct {
	logger    *logx.Logger
	client    CompletionClient
	counter   *TokenCounter
	maxTokens int
}

// NewLLMCapability wires the capability. maxRequestTokens bounds the
// request text forwarded to the provider; counter may be nil to fall
// back to character-based estimation.
func NewLLMCapability(client CompletionClient, counter *TokenCounter, maxRequestTokens int) *LLMCapability {
	return &LLMCapability{
		logger:    logx.NewLogger("capability"),
		client:    client,
		counter:   counter,
		maxTokens: maxRequestTokens,
	}
}

// SelectCommand asks the provider to pick one registered command.
// An answer naming an unregistered command is fatal; provider call
// failures are transient.
func (l *LLMCapability) SelectCommand(ctx context.Context, requestText string, registry *command.Registry) (string, error) {
	prompt := fmt.Sprintf("Available commands:\n%s\nRequest: %s", registry.Catalog(), l.truncate(requestText))

	resp, err := l.client.Complete(ctx, CompletionRequest{
		Messages: []CompletionMessage{
			{Role: RoleSystem, Content: selectSystemPrompt},
			{Role: RoleUser, Content: prompt},
		},
		MaxTokens:   64,
		Temperature: 0,
	})
	if err != nil {
		return "", stageerrors.Transient(StageName, err)
	}

	name := strings.TrimSpace(strings.Trim(resp.Content, "`\" \n"))
	if name == "" || strings.EqualFold(name, "none") {
		return "", stageerrors.Fatalf(StageName, "no command matches the request")
	}
	if _, err := registry.Get(name); err != nil {
		return "", stageerrors.Fatal(StageName, fmt.Errorf("selector picked unregistered command %q", name))
	}

	l.logger.Debug("Selected command %s via %s", name, l.client.ModelName())
	return name, nil
}

// GenerateArguments asks the provider to fill the command's argument
// maps from the request context.
func (l *LLMCapability) GenerateArguments(ctx context.Context, cmd *command.Command, requestText string, files, branches []string) (map[string]string, map[string]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\n%s\n", cmd.Name, cmd.Documentation)
	fmt.Fprintf(&b, "Required arguments: %s\n", strings.Join(cmd.RequiredArgs, ", "))
	fmt.Fprintf(&b, "Optional arguments: %s\n", strings.Join(cmd.OptionalArgs, ", "))
	if len(files) > 0 {
		fmt.Fprintf(&b, "Referenced files: %s\n", strings.Join(files, ", "))
	}
	if len(branches) > 0 {
		fmt.Fprintf(&b, "Referenced branches: %s\n", strings.Join(branches, ", "))
	}
	fmt.Fprintf(&b, "Request: %s", l.truncate(requestText))

	resp, err := l.client.Complete(ctx, CompletionRequest{
		Messages: []CompletionMessage{
			{Role: RoleSystem, Content: argsSystemPrompt},
			{Role: RoleUser, Content: b.String()},
		},
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return nil, nil, stageerrors.Transient(StageName, err)
	}

	var parsed struct {
		Required map[string]string `json:"required"`
		Optional map[string]string `json:"optional"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, nil, stageerrors.Transient(StageName, fmt.Errorf("argument generation returned unparseable output: %w", err))
	}
	if parsed.Required == nil {
		parsed.Required = map[string]string{}
	}
	if parsed.Optional == nil {
		parsed.Optional = map[string]string{}
	}
	return parsed.Required, parsed.Optional, nil
}

func (l *LLMCapability) truncate(text string) string {
	if l.maxTokens <= 0 {
		return text
	}
	return l.counter.Truncate(text, l.maxTokens)
}

// extractJSON strips markdown code fences and surrounding prose from
// a model reply, keeping the outermost JSON object.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return content
	}
	return content[start : end+1]
}
