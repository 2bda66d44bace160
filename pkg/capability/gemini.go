package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiClient implements CompletionClient against the Google GenAI
// API. Client construction needs a context, so it is deferred to the
// first Complete call.
type GeminiClient struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

func (c *GeminiClient) ModelName() string {
	return c.model
}

// ensureClient initializes the underlying client once. Complete is
// called from multiple workers concurrently; a failed init is retried
// on the next call rather than cached.
func (c *GeminiClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

func (c *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return CompletionResponse{}, err
	}

	var systemParts []string
	var contents []*genai.Content
	for _, msg := range in.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return CompletionResponse{}, fmt.Errorf("message list cannot be empty")
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if len(systemParts) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("gemini completion failed: %w", err)
	}
	if result == nil {
		return CompletionResponse{}, fmt.Errorf("empty response from gemini API")
	}

	return CompletionResponse{Content: result.Text()}, nil
}
