package capability

import (
	"fmt"

	"repopilot/pkg/config"
	"repopilot/pkg/secrets"
)

// NewCompletionClient builds the provider client named by cfg,
// resolving the API key from the secrets store.
func NewCompletionClient(cfg config.LLMConfig, store *secrets.Store) (CompletionClient, error) {
	switch cfg.Provider {
	case "anthropic":
		key, err := store.Get(cfg.APIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("anthropic API key: %w", err)
		}
		return NewAnthropicClient(key, cfg.Model), nil
	case "openai":
		key, err := store.Get(cfg.APIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("openai API key: %w", err)
		}
		return NewOpenAIClient(key, cfg.Model), nil
	case "gemini":
		key, err := store.Get(cfg.APIKeySecret)
		if err != nil {
			return nil, fmt.Errorf("gemini API key: %w", err)
		}
		return NewGeminiClient(key, cfg.Model), nil
	case "ollama":
		return NewOllamaClient(cfg.Host, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
