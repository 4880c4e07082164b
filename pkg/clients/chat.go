package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/limiter"
)

// ErrValidation is returned when the model keeps producing output that does
// not satisfy the requested structure.
var ErrValidation = errors.New("model output failed validation")

const DefaultMaxRetries = 3

// Chat is the chat capability used across the pipeline. Every model call
// runs under the inference limiter.
type Chat struct {
	model      llms.Model
	limiter    *limiter.Limiter
	maxRetries int
	backoff    time.Duration
	Logger     *slog.Logger
}

func NewChat(model llms.Model, inference *limiter.Limiter, maxRetries int) *Chat {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	return &Chat{
		model:      model,
		limiter:    inference,
		maxRetries: maxRetries,
		backoff:    time.Second,
		Logger:     slog.Default(),
	}
}

// WithBackoff sets the linear backoff step between retries.
func (c *Chat) WithBackoff(d time.Duration) *Chat {
	c.backoff = d
	return c
}

func (c *Chat) call(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	run := func(ctx context.Context) (string, error) {
		resp, err := c.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return "", fmt.Errorf("llm generation failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("llm returned no choices")
		}
		return resp.Choices[0].Content, nil
	}
	if c.limiter == nil {
		return run(ctx)
	}
	return limiter.Run(ctx, c.limiter, run)
}

func (c *Chat) wait(ctx context.Context, attempt int) error {
	if attempt == 0 || c.backoff <= 0 {
		return nil
	}
	t := time.NewTimer(c.backoff * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Generate returns the model's text response, retrying failed calls.
func (c *Chat) Generate(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := c.wait(ctx, i); err != nil {
			return "", err
		}
		if i > 0 {
			c.Logger.Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
		}
		content, err := c.call(ctx, messages, opts...)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("operation failed after %d retries: %w", c.maxRetries, lastErr)
}

// Stream generates a response and hands every chunk to onChunk as it
// arrives. The full text is returned. A failed call is retried only when no
// chunk was delivered yet.
func (c *Chat) Stream(ctx context.Context, messages []llms.MessageContent, onChunk func(chunk string) error, opts ...llms.CallOption) (string, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := c.wait(ctx, i); err != nil {
			return "", err
		}

		delivered := false
		streamOpts := append([]llms.CallOption{}, opts...)
		streamOpts = append(streamOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			delivered = true
			return onChunk(string(chunk))
		}))

		content, err := c.call(ctx, messages, streamOpts...)
		if err == nil {
			return content, nil
		}
		if delivered || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
		c.Logger.Warn("Retrying LLM stream", "attempt", i+2, "last_error", err)
	}
	return "", fmt.Errorf("stream failed after %d retries: %w", c.maxRetries, lastErr)
}

// SchemaPrompt appends the structured-output instructions for schema to a
// system prompt.
func SchemaPrompt(system, schema string) string {
	return system + "\n\n# Response Format:\n\nReturn the JSON object directly without any formatting or additional text. " +
		"The JSON object should have the following structure as defined in the schema. " +
		"Make sure to answer in valid json and include all necessary properties:" + schema
}

// GenerateJSON asks the model for a JSON object matching schema and decodes
// it into T. validate may reject a decoded value to force another attempt.
// When every attempt fails validation the error wraps ErrValidation.
func GenerateJSON[T any](ctx context.Context, c *Chat, system, prompt, schema string, validate func(T) error) (T, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, SchemaPrompt(system, schema)),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	var zero T
	var lastErr error
	validationFailed := false
	for i := 0; i < c.maxRetries; i++ {
		if err := c.wait(ctx, i); err != nil {
			return zero, err
		}
		if i > 0 {
			c.Logger.Warn("Retrying structured generation", "attempt", i+1, "last_error", lastErr)
		}

		content, err := c.call(ctx, messages, llms.WithJSONMode())
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			lastErr = err
			validationFailed = false
			continue
		}

		var out T
		if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
			lastErr = fmt.Errorf("json parse error: %w", err)
			validationFailed = true
			continue
		}
		if validate != nil {
			if err := validate(out); err != nil {
				lastErr = err
				validationFailed = true
				continue
			}
		}
		return out, nil
	}

	if validationFailed {
		return zero, fmt.Errorf("%w after %d attempts: %v", ErrValidation, c.maxRetries, lastErr)
	}
	return zero, fmt.Errorf("operation failed after %d retries: %w", c.maxRetries, lastErr)
}

// stripFences removes a surrounding ```json block some models add even in
// JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
