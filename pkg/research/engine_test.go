package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/citations"
	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/knowledge"
	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/research/tools"
	"github.com/mikeboe/deep-research/pkg/sources"
)

const finalAnswer = "<think>plan the report</think><response># Neutron Stars\n\n## Overview\n" +
	"Neutron stars are extremely dense. They form in supernovae.\n\n## Conclusion\nThey are fascinating objects.</response>"

// stageModel answers according to which prompt it receives.
type stageModel struct {
	steps    string // JSON list of plan steps
	final    string
	failStep string // step questions containing this fail
}

func messageText(msgs []llms.MessageContent, role llms.ChatMessageType) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role != role {
			continue
		}
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
	}
	return sb.String()
}

func (m *stageModel) respond(system, prompt string) (string, error) {
	switch {
	case strings.Contains(system, "turns a conversation into a research topic"):
		return `{"topic":"Neutron stars"}`, nil
	case strings.Contains(system, "You are a research planner."):
		return `{"steps":` + m.steps + `}`, nil
	case strings.Contains(system, "You are a research filter."):
		return fmt.Sprintf(`{"relevant":%t}`, !strings.Contains(prompt, "/spam")), nil
	case strings.Contains(system, "writing background notes"):
		return "<response>Neutron stars are collapsed cores of massive stars.</response>", nil
	case strings.Contains(system, "answering one question"):
		if m.failStep != "" && strings.Contains(prompt, m.failStep) {
			return "", errors.New("backend unavailable")
		}
		return "<think>hmm</think><response>Findings for this step.</response>", nil
	case strings.Contains(system, "senior researcher"):
		return m.final, nil
	case strings.Contains(system, "meticulous fact checker"):
		if strings.Contains(prompt, "## Overview") {
			return `{"citations":[{"source":1,"text":"Neutron stars are extremely dense.","quote":"dense"}]}`, nil
		}
		return `{"citations":[]}`, nil
	}
	return "", fmt.Errorf("unexpected prompt: %.60s", system)
}

func (m *stageModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	content, err := m.respond(messageText(msgs, llms.ChatMessageTypeSystem), messageText(msgs, llms.ChatMessageTypeHuman))
	if err != nil {
		return nil, err
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	if opts.StreamingFunc != nil {
		for i := 0; i < len(content); i += 7 {
			end := min(i+7, len(content))
			if err := opts.StreamingFunc(ctx, []byte(content[i:end])); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (m *stageModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// fakeSearch returns one shared URL, one per query and one spam URL.
type fakeSearch struct {
	base    string
	fail    string // query that errors
	mu      sync.Mutex
	queries []string
}

func (s *fakeSearch) Search(_ context.Context, query string, _ int, _ []string) ([]sources.SearchResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if query == s.fail {
		return nil, errors.New("search backend unavailable")
	}
	return []sources.SearchResult{
		{Title: "Shared", URL: s.base + "/page/shared", Snippet: "shared page"},
		{Title: query, URL: s.base + "/page/" + url.PathEscape(query), Snippet: "about " + query},
		{Title: "Spam", URL: s.base + "/spam", Snippet: "buy now"},
	}, nil
}

type keywordEmbedder struct{}

var keywords = []string{"neutron", "star", "dense", "supernova", "pulsar", "mass"}

func (keywordEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(keywords)+1)
		lower := strings.ToLower(t)
		for j, w := range keywords {
			v[j] = float32(strings.Count(lower, w))
		}
		v[len(keywords)] = 0.1
		out[i] = v
	}
	return out, nil
}

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := strings.Repeat("Neutron stars are the collapsed cores of massive stars after a supernova. "+
		"They are extremely dense and some are observed as pulsars. ", 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if strings.HasPrefix(r.URL.Path, "/spam") {
			io.WriteString(w, "<html><body><p>buy</p></body></html>")
			return
		}
		fmt.Fprintf(w, "<html><head><title>Page %s</title></head><body><article><p>%s</p></article></body></html>",
			r.URL.Path, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type eventLog struct {
	events []Event
}

func (l *eventLog) sink(e Event) { l.events = append(l.events, e) }

func (l *eventLog) index(match func(Event) bool) int {
	for i, e := range l.events {
		if match(e) {
			return i
		}
	}
	return -1
}

func newTestResearcher(t *testing.T, cfg Config, model llms.Model, search tools.SearchProvider, client *http.Client) *Researcher {
	t.Helper()
	inference := limiter.New(limiter.Config{Name: "inference", MaxConcurrent: 4})
	general := limiter.New(limiter.Config{Name: "general", MaxConcurrent: 4})
	chat := clients.NewChat(model, inference, 2).WithBackoff(0)

	r, err := New(cfg, Deps{
		Chat:   chat,
		Search: search,
		NewScraper: func() *tools.Scraper {
			return tools.NewScraper(tools.ScraperConfig{Quota: 20}, client, general, nil)
		},
		NewStore: func(ctx context.Context, runID string) (*knowledge.Store, func(context.Context) error, error) {
			store := knowledge.NewStore(knowledge.Config{ChunkSize: 400, ChunkOverlap: 40, Lambda: knowledge.DefaultLambda}, knowledge.NewMemoryIndex(), keywordEmbedder{}, nil, general)
			return store, nil, nil
		},
		Grounder: citations.NewModelGrounder(chat),
		General:  general,
	})
	require.NoError(t, err)
	return r
}

const twoSteps = `[
	{"question":"How dense are neutron stars?","search_query":"neutron star density","rationale":"core property"},
	{"question":"How do neutron stars form?","search_query":"neutron star formation","rationale":"origin"},
	{"question":"Extra step","search_query":"extra","rationale":"dropped"}
]`

func TestRun_NeutronStars(t *testing.T) {
	srv := newPageServer(t)
	search := &fakeSearch{base: srv.URL}
	model := &stageModel{steps: twoSteps, final: finalAnswer}

	cfg := DefaultConfig()
	cfg.Breadth = 2
	r := newTestResearcher(t, cfg, model, search, srv.Client())

	var log eventLog
	res, err := r.Run(context.Background(), []Message{{Role: "user", Content: "Tell me about neutron stars"}}, log.sink)
	require.NoError(t, err)

	assert.Equal(t, "Neutron stars", res.Topic)
	require.Len(t, res.Plan, 2)
	assert.Equal(t, "neutron star density", res.Plan[0].SearchQuery)
	assert.Len(t, res.Reports, 2)
	assert.Equal(t, "Findings for this step.", res.Reports[0].Report)
	assert.Equal(t, "Neutron stars are collapsed cores of massive stars.", res.Background)

	assert.NotEmpty(t, res.Report)
	assert.True(t, strings.HasPrefix(res.Report, "# Neutron Stars"))
	assert.NotContains(t, res.Report, "plan the report")

	seen := map[string]bool{}
	for _, s := range res.Sources {
		assert.False(t, seen[s.URL], "duplicate source %s", s.URL)
		seen[s.URL] = true
		assert.Contains(t, s.URL, "/page/")
	}
	// shared page, topic page and one page per step
	assert.Len(t, res.Sources, 4)
	assert.Len(t, search.queries, 3)

	var streamed strings.Builder
	for _, e := range log.events {
		if te, ok := e.(TextEvent); ok {
			streamed.WriteString(te.Text)
		}
	}
	assert.Equal(t, res.Report, streamed.String())

	require.Len(t, res.Citations, 1)
	c := res.Citations[0]
	assert.Equal(t, "Neutron stars are extremely dense.", res.Report[c.StartIndex:c.EndIndex])
	assert.True(t, seen[c.URL])

	start := log.index(func(e Event) bool { _, ok := e.(GeneratingCitationsEvent); return ok })
	cite := log.index(func(e Event) bool { _, ok := e.(CitationEvent); return ok })
	done := log.index(func(e Event) bool { _, ok := e.(GeneratingCitationsCompleteEvent); return ok })
	require.True(t, start >= 0 && cite >= 0 && done >= 0)
	assert.Less(t, start, cite)
	assert.Less(t, cite, done)

	last, ok := log.events[len(log.events)-1].(TrajectoryEvent)
	require.True(t, ok)
	assert.Equal(t, "Done", last.Title)
}

func TestRun_ShortPlanIsFatal(t *testing.T) {
	srv := newPageServer(t)
	model := &stageModel{
		steps: `[{"question":"Only one","search_query":"one","rationale":"r"}]`,
		final: finalAnswer,
	}
	cfg := DefaultConfig()
	cfg.Breadth = 2
	r := newTestResearcher(t, cfg, model, &fakeSearch{base: srv.URL}, srv.Client())

	res, err := r.Run(context.Background(), []Message{{Role: "user", Content: "neutron stars"}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanValidation)
	assert.Nil(t, res)
}

func TestRun_EmptyConversation(t *testing.T) {
	r := newTestResearcher(t, DefaultConfig(), &stageModel{}, &fakeSearch{}, http.DefaultClient)
	_, err := r.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrPlanValidation)
}

func TestRun_StepFailureIsIsolated(t *testing.T) {
	srv := newPageServer(t)
	model := &stageModel{steps: twoSteps, final: finalAnswer, failStep: "How do neutron stars form?"}
	cfg := DefaultConfig()
	cfg.Breadth = 2
	r := newTestResearcher(t, cfg, model, &fakeSearch{base: srv.URL}, srv.Client())

	res, err := r.Run(context.Background(), []Message{{Role: "user", Content: "neutron stars"}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Reports, 1)
	assert.Equal(t, "How dense are neutron stars?", res.Reports[0].Query.Question)
	assert.NotEmpty(t, res.Report)
}

func TestRun_StepSearchFailureIsIsolated(t *testing.T) {
	srv := newPageServer(t)
	search := &fakeSearch{base: srv.URL, fail: "neutron star formation"}
	model := &stageModel{steps: twoSteps, final: finalAnswer}
	cfg := DefaultConfig()
	cfg.Breadth = 2
	r := newTestResearcher(t, cfg, model, search, srv.Client())

	res, err := r.Run(context.Background(), []Message{{Role: "user", Content: "neutron stars"}}, nil)
	require.NoError(t, err)
	assert.Contains(t, search.queries, "neutron star formation")
	assert.Len(t, res.Reports, 2)
	assert.NotEmpty(t, res.Report)

	for _, s := range res.Sources {
		assert.NotContains(t, s.URL, "formation")
	}
}

func TestRun_StreamAndBlobAgree(t *testing.T) {
	srv := newPageServer(t)

	run := func(stream bool) (string, string) {
		cfg := DefaultConfig()
		cfg.Breadth = 2
		cfg.StreamFinal = stream
		model := &stageModel{steps: twoSteps, final: finalAnswer}
		r := newTestResearcher(t, cfg, model, &fakeSearch{base: srv.URL}, srv.Client())

		var log eventLog
		res, err := r.Run(context.Background(), []Message{{Role: "user", Content: "neutron stars"}}, log.sink)
		require.NoError(t, err)

		var text strings.Builder
		for _, e := range log.events {
			if te, ok := e.(TextEvent); ok {
				text.WriteString(te.Text)
			}
		}
		return res.Report, text.String()
	}

	streamedReport, streamedText := run(true)
	blobReport, blobText := run(false)

	assert.True(t, strings.HasPrefix(streamedReport, "# Neutron Stars"))
	assert.Equal(t, streamedReport, blobReport)
	assert.Equal(t, streamedText, blobText)
	assert.Equal(t, blobReport, blobText)
}

func TestRun_BlobWithoutTags(t *testing.T) {
	srv := newPageServer(t)
	model := &stageModel{steps: twoSteps, final: "Neutron stars are extremely dense. That is all."}
	cfg := DefaultConfig()
	cfg.Breadth = 2
	cfg.StreamFinal = false
	r := newTestResearcher(t, cfg, model, &fakeSearch{base: srv.URL}, srv.Client())

	var log eventLog
	res, err := r.Run(context.Background(), []Message{{Role: "user", Content: "neutron stars"}}, log.sink)
	require.NoError(t, err)
	assert.Equal(t, "Neutron stars are extremely dense. That is all.", res.Report)

	i := log.index(func(e Event) bool { te, ok := e.(TextEvent); return ok && te.Text == res.Report })
	assert.GreaterOrEqual(t, i, 0)
}

func TestRelevanceFilter_KeepsOrderAndFailsClosed(t *testing.T) {
	model := &filterModel{}
	chat := clients.NewChat(model, limiter.New(limiter.Config{Name: "inference", MaxConcurrent: 3}), 1).WithBackoff(0)
	f := NewRelevanceFilter(chat)

	in := []sources.SearchResult{
		{Title: "a", URL: "https://x.org/keep-1"},
		{Title: "b", URL: "https://x.org/drop"},
		{Title: "c", URL: "https://x.org/broken"},
		{Title: "d", URL: "https://x.org/keep-2"},
	}
	out := f.Filter(context.Background(), "topic", ResearchQuery{Question: "q"}, in)
	require.Len(t, out, 2)
	assert.Equal(t, "https://x.org/keep-1", out[0].URL)
	assert.Equal(t, "https://x.org/keep-2", out[1].URL)
}

type filterModel struct{}

func (filterModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	prompt := messageText(msgs, llms.ChatMessageTypeHuman)
	var content string
	switch {
	case strings.Contains(prompt, "/broken"):
		return nil, errors.New("boom")
	case strings.Contains(prompt, "/keep"):
		content = `{"relevant":true}`
	default:
		content = `{"relevant":false}`
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (m filterModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestEncodeEvent(t *testing.T) {
	data, err := EncodeEvent(TextEvent{Text: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","data":{"text":"hi"}}`, string(data))
}

func TestStripThink(t *testing.T) {
	assert.Equal(t, "a b", stripThink("a <think>x</think>b"))
	assert.Equal(t, "a ", stripThink("a <think>unterminated"))
	assert.Equal(t, "answer", responseText("<think>x</think>answer"))
	assert.Equal(t, "inner", responseText("pre <response>inner</response> post"))
}
