package clients

import (
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
)

const GPT41Mini ModelType = "gpt-4.1-mini"

// OpenAI creates an OpenAI chat model. baseURL may point at any compatible
// endpoint and is optional.
func OpenAI(model, apiKey, baseURL string) (*openai.LLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is not set")
	}
	if model == "" {
		model = string(GPT41Mini)
	}

	opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return llm, nil
}
