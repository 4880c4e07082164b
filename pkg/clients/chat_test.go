package clients

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/limiter"
)

// scriptedModel returns its responses in order, one per call.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	chunks    []string
}

func (m *scriptedModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()

	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	if opts.StreamingFunc != nil {
		var sb strings.Builder
		for _, c := range m.chunks {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
			sb.WriteString(c)
		}
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: sb.String()}}}, nil
	}

	content := ""
	if i < len(m.responses) {
		content = m.responses[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func newTestChat(m llms.Model) *Chat {
	l := limiter.New(limiter.Config{Name: "inference", MaxConcurrent: 2})
	return NewChat(m, l, 3).WithBackoff(0)
}

func TestGenerate_RetriesModelErrors(t *testing.T) {
	m := &scriptedModel{
		errs:      []error{errors.New("unavailable"), nil},
		responses: []string{"", "hello"},
	}
	out, err := newTestChat(m).Generate(context.Background(), []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, 2, m.calls)
}

func TestGenerate_GivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("boom")
	m := &scriptedModel{errs: []error{boom, boom, boom}}
	_, err := newTestChat(m).Generate(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, m.calls)
}

type topic struct {
	Topic string `json:"topic"`
}

func TestGenerateJSON_DecodesAndValidates(t *testing.T) {
	m := &scriptedModel{responses: []string{
		"not json",
		`{"topic": ""}`,
		"```json\n{\"topic\": \"Neutron stars\"}\n```",
	}}
	out, err := GenerateJSON(context.Background(), newTestChat(m), "sys", "prompt", `{"type":"object"}`, func(v topic) error {
		if v.Topic == "" {
			return errors.New("empty topic")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Neutron stars", out.Topic)
	assert.Equal(t, 3, m.calls)
}

func TestGenerateJSON_ValidationExhausted(t *testing.T) {
	m := &scriptedModel{responses: []string{"{}", "{}", "{}"}}
	_, err := GenerateJSON(context.Background(), newTestChat(m), "sys", "prompt", "{}", func(v topic) error {
		return errors.New("empty topic")
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGenerateJSON_ModelErrorIsNotValidation(t *testing.T) {
	boom := errors.New("boom")
	m := &scriptedModel{errs: []error{boom, boom, boom}}
	_, err := GenerateJSON[topic](context.Background(), newTestChat(m), "sys", "prompt", "{}", nil)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestStream_DeliversChunks(t *testing.T) {
	m := &scriptedModel{chunks: []string{"<response>", "Hello ", "world", "</response>"}}

	var got []string
	full, err := newTestChat(m).Stream(context.Background(), nil, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"<response>", "Hello ", "world", "</response>"}, got)
	assert.Equal(t, "<response>Hello world</response>", full)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(` {"a":1} `))
}
