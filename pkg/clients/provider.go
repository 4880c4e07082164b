package clients

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// ModelType names a provider model.
type ModelType string

type ModelConfig struct {
	Provider string // google, anthropic or openai
	Model    string
	APIKey   string
	BaseURL  string
}

// NewModel builds the chat model for the configured provider.
func NewModel(ctx context.Context, cfg ModelConfig) (llms.Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "google":
		return GoogleAi(ctx, cfg.Model, cfg.APIKey)
	case "anthropic":
		return AnthropicAI(cfg.Model, cfg.APIKey)
	case "openai":
		return OpenAI(cfg.Model, cfg.APIKey, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
