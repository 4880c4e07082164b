package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/googleai"
)

// DefaultModel is used when no model name is configured.
const DefaultModel ModelType = "gemini-2.5-flash"

// GoogleAi creates a Gemini chat model. An empty model selects DefaultModel.
func GoogleAi(ctx context.Context, model, apiKey string) (*googleai.GoogleAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google api key is not set")
	}
	if model == "" {
		model = string(DefaultModel)
	}

	// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return llm, nil
}
