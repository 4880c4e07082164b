package clients

import (
	"fmt"

	"github.com/tmc/langchaingo/llms/anthropic"
)

const Claude4Sonnet ModelType = "claude-sonnet-4-20250514"

// AnthropicAI creates a Claude chat model. An empty model selects Claude4Sonnet.
func AnthropicAI(model, apiKey string) (*anthropic.LLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is not set")
	}
	if model == "" {
		model = string(Claude4Sonnet)
	}

	llm, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic client: %w", err)
	}
	return llm, nil
}
