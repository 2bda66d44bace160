package capability

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repopilot/pkg/command"
	"repopilot/pkg/config"
	"repopilot/pkg/stageerrors"
)

// scriptedClient replays canned completions.
type scriptedClient struct {
	content  string
	err      error
	requests []CompletionRequest
}

func (c *scriptedClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return CompletionResponse{}, c.err
	}
	return CompletionResponse{Content: c.content}, nil
}

func (c *scriptedClient) ModelName() string { return "scripted" }

func selectionRegistry(t *testing.T) *command.Registry {
	t.Helper()
	registry, err := command.NewRegistry([]config.CommandConfig{{
		Name:          "refactor",
		Argv:          []string{"refactor-tool", "{{target}}"},
		RequiredArgs:  []string{"target"},
		OptionalArgs:  []string{"style"},
		Documentation: "Refactors the named module",
	}})
	require.NoError(t, err)
	return registry
}

func TestSelectCommand(t *testing.T) {
	client := &scriptedClient{content: "refactor\n"}
	llm := NewLLMCapability(client, nil, 0)

	name, err := llm.SelectCommand(context.Background(), "please refactor the uploader", selectionRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, "refactor", name)

	require.Len(t, client.requests, 1)
	prompt := client.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "refactor: Refactors the named module")
	assert.Contains(t, prompt, "please refactor the uploader")
}

func TestSelectCommandStripsFormatting(t *testing.T) {
	client := &scriptedClient{content: "`refactor`"}
	llm := NewLLMCapability(client, nil, 0)

	name, err := llm.SelectCommand(context.Background(), "refactor it", selectionRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, "refactor", name)
}

func TestSelectCommandNoneIsFatal(t *testing.T) {
	client := &scriptedClient{content: "none"}
	llm := NewLLMCapability(client, nil, 0)

	_, err := llm.SelectCommand(context.Background(), "order me a pizza", selectionRegistry(t))
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassFatal, stageerrors.ClassOf(err))
}

func TestSelectCommandUnregisteredIsFatal(t *testing.T) {
	client := &scriptedClient{content: "deploy"}
	llm := NewLLMCapability(client, nil, 0)

	_, err := llm.SelectCommand(context.Background(), "deploy it", selectionRegistry(t))
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassFatal, stageerrors.ClassOf(err))
}

func TestSelectCommandProviderFailureIsTransient(t *testing.T) {
	client := &scriptedClient{err: errors.New("429 too many requests")}
	llm := NewLLMCapability(client, nil, 0)

	_, err := llm.SelectCommand(context.Background(), "refactor it", selectionRegistry(t))
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassTransient, stageerrors.ClassOf(err))
}

func TestGenerateArguments(t *testing.T) {
	client := &scriptedClient{content: `{"required": {"target": "uploader"}, "optional": {"style": "functional"}}`}
	llm := NewLLMCapability(client, nil, 0)

	cmd, err := selectionRegistry(t).Get("refactor")
	require.NoError(t, err)

	required, optional, err := llm.GenerateArguments(context.Background(), cmd,
		"refactor the uploader", []string{"src/uploader.py"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"target": "uploader"}, required)
	assert.Equal(t, map[string]string{"style": "functional"}, optional)

	prompt := client.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "Referenced files: src/uploader.py")
}

func TestGenerateArgumentsStripsCodeFences(t *testing.T) {
	client := &scriptedClient{content: "```json\n{\"required\": {\"target\": \"uploader\"}}\n```"}
	llm := NewLLMCapability(client, nil, 0)

	cmd, err := selectionRegistry(t).Get("refactor")
	require.NoError(t, err)

	required, optional, err := llm.GenerateArguments(context.Background(), cmd, "refactor it", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"target": "uploader"}, required)
	assert.Empty(t, optional)
}

func TestGenerateArgumentsUnparseableIsTransient(t *testing.T) {
	client := &scriptedClient{content: "I think the target should be the uploader module."}
	llm := NewLLMCapability(client, nil, 0)

	cmd, err := selectionRegistry(t).Get("refactor")
	require.NoError(t, err)

	_, _, err = llm.GenerateArguments(context.Background(), cmd, "refactor it", nil, nil)
	require.Error(t, err)
	assert.Equal(t, stageerrors.ClassTransient, stageerrors.ClassOf(err))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, extractJSON("Here you go:\n```json\n{\"a\": 1}\n```\nHope that helps"))
	assert.Equal(t, `{"a": 1}`, extractJSON(`{"a": 1}`))
	assert.Equal(t, "no json here", extractJSON("no json here"))
}

func TestTokenCounterNilFallback(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, 3, tc.Count(strings.Repeat("a", 12)))

	text := strings.Repeat("word ", 100)
	truncated := tc.Truncate(text, 10)
	assert.Less(t, len(truncated), len(text))
	assert.True(t, strings.HasSuffix(truncated, "..."))
}

func TestTokenCounterTruncateWithinLimit(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, "short", tc.Truncate("short", 100))
	assert.Equal(t, "anything", tc.Truncate("anything", 0), "zero limit disables truncation")
}

func TestTokenCounterTruncatePreservesUTF8(t *testing.T) {
	var tc *TokenCounter
	text := strings.Repeat("日本語のテキスト、", 64)
	for limit := 1; limit <= 32; limit++ {
		truncated := tc.Truncate(text, limit)
		assert.True(t, utf8.ValidString(truncated), "limit %d", limit)
		assert.True(t, strings.HasSuffix(truncated, "..."), "limit %d", limit)
	}
}
