package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-research/pkg/citations"
	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/knowledge"
	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/research/tools"
	"github.com/mikeboe/deep-research/pkg/sources"
	"github.com/mikeboe/deep-research/pkg/splitter"
	"github.com/mikeboe/deep-research/pkg/streamparse"
)

// ErrPlanValidation is returned when the topic or plan cannot be derived
// from the model output.
var ErrPlanValidation = errors.New("plan validation failed")

// StoreFactory creates the knowledge store of one run. close, when not nil,
// is called once the run ends.
type StoreFactory func(ctx context.Context, runID string) (store *knowledge.Store, close func(context.Context) error, err error)

// Deps are the collaborators of a Researcher.
type Deps struct {
	Chat       *clients.Chat // planning and synthesis
	FastChat   *clients.Chat // relevance filtering, defaults to Chat
	Search     tools.SearchProvider
	NewScraper func() *tools.Scraper // one scraper per run, it carries the quota
	NewStore   StoreFactory
	Grounder   citations.Grounder // nil skips citation grounding
	General    *limiter.Limiter
	Tokenizer  splitter.Tokenizer // optional, used for token budgets
}

type Researcher struct {
	cfg  Config
	deps Deps

	Logger *slog.Logger
}

func New(cfg Config, deps Deps) (*Researcher, error) {
	if deps.Chat == nil {
		return nil, errors.New("research: chat is required")
	}
	if deps.Search == nil {
		return nil, errors.New("research: search provider is required")
	}
	if deps.NewScraper == nil {
		return nil, errors.New("research: scraper factory is required")
	}
	if deps.NewStore == nil {
		return nil, errors.New("research: store factory is required")
	}
	if deps.FastChat == nil {
		deps.FastChat = deps.Chat
	}

	return &Researcher{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		Logger: slog.Default(),
	}, nil
}

// run is the mutable state of a single Run call.
type run struct {
	*Researcher
	id       string
	emit     EventSink
	logger   *slog.Logger
	filter   *RelevanceFilter
	results  *sources.ResultSet
	contents *sources.ContentSet
	scraper  *tools.Scraper
	store    *knowledge.Store
}

func (r *run) step(title, content string) {
	r.logger.Info(title, "detail", content)
	r.emit(TrajectoryEvent{Title: title, Content: content})
}

// Run researches the topic the conversation asks about. Events are delivered
// to sink as the run progresses. A failure at any stage returns an error and
// no partial result.
func (r *Researcher) Run(ctx context.Context, conversation []Message, sink EventSink) (*Result, error) {
	id := uuid.NewString()
	logger := r.Logger.With("run_id", id)
	st := &run{
		Researcher: r,
		id:         id,
		emit:       serialSink(sink),
		logger:     logger,
		filter:     &RelevanceFilter{chat: r.deps.FastChat, Logger: logger},
		results:    sources.NewResultSet(),
		contents:   sources.NewContentSet(),
		scraper:    r.deps.NewScraper(),
	}
	st.scraper.OnSource = func(c sources.ScrapedContent) {
		st.emit(TrajectoryEvent{Title: "Source added", Content: fmt.Sprintf("%s (%s)", c.Title, c.URL)})
	}

	store, closeStore, err := r.deps.NewStore(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge store: %w", err)
	}
	st.store = store
	if closeStore != nil {
		defer func() {
			if err := closeStore(context.WithoutCancel(ctx)); err != nil {
				st.logger.Warn("Failed to release knowledge store", "error", err)
			}
		}()
	}

	return st.execute(ctx, conversation)
}

func (r *run) execute(ctx context.Context, conversation []Message) (*Result, error) {
	topic, err := r.identifyTopic(ctx, conversation)
	if err != nil {
		return nil, err
	}
	r.step("Identified topic", topic)

	background, err := r.preliminaryResearch(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("preliminary research failed: %w", err)
	}
	r.step("Preliminary research complete", fmt.Sprintf("%d sources", r.contents.Len()))

	plan, err := r.generatePlan(ctx, topic, background)
	if err != nil {
		return nil, err
	}
	for i, q := range plan {
		r.step(fmt.Sprintf("Plan step %d", i+1), q.Question)
	}

	r.gatherSources(ctx, topic, plan)
	r.step("Sources gathered", fmt.Sprintf("%d unique results", r.results.Len()))

	docs := r.extractContent(ctx, r.results.List())
	r.step("Content extracted", fmt.Sprintf("%d new documents", len(docs)))

	if _, err := r.store.LoadDocuments(ctx, docs); err != nil {
		return nil, fmt.Errorf("knowledge ingestion failed: %w", err)
	}
	r.step("Knowledge ingested", "")

	reports := r.synthesizeSteps(ctx, topic, plan)
	r.step("Step reports written", fmt.Sprintf("%d of %d steps", len(reports), len(plan)))

	r.step("Writing final report", "")
	report, err := r.synthesizeFinal(ctx, topic, background, reports)
	if err != nil {
		return nil, fmt.Errorf("final synthesis failed: %w", err)
	}

	cites, err := r.groundCitations(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("citation grounding failed: %w", err)
	}

	r.step("Done", fmt.Sprintf("%d citations", len(cites)))
	return &Result{
		Topic:      topic,
		Background: background,
		Plan:       plan,
		Reports:    reports,
		Report:     report,
		Citations:  cites,
		Sources:    r.contents.List(),
	}, nil
}

func (r *run) identifyTopic(ctx context.Context, conversation []Message) (string, error) {
	if len(conversation) == 0 {
		return "", fmt.Errorf("%w: empty conversation", ErrPlanValidation)
	}

	type topicResponse struct {
		Topic string `json:"topic"`
	}
	resp, err := clients.GenerateJSON[topicResponse](ctx, r.deps.Chat, topicSystemPrompt, formatConversation(conversation), topicSchema,
		func(t topicResponse) error {
			if strings.TrimSpace(t.Topic) == "" {
				return errors.New("empty topic")
			}
			return nil
		})
	if err != nil {
		if errors.Is(err, clients.ErrValidation) {
			return "", fmt.Errorf("%w: topic: %v", ErrPlanValidation, err)
		}
		return "", fmt.Errorf("topic identification failed: %w", err)
	}
	return strings.TrimSpace(resp.Topic), nil
}

// preliminaryResearch runs one unfiltered search on the topic and condenses
// what it finds into background notes.
func (r *run) preliminaryResearch(ctx context.Context, topic string) (string, error) {
	results, err := r.search(ctx, topic)
	if err != nil {
		r.logger.Warn("Preliminary search failed", "error", err)
		return "", nil
	}
	docs := r.extractContent(ctx, r.results.AddAll(results))
	if len(docs) == 0 {
		return "", nil
	}
	if _, err := r.store.LoadDocuments(ctx, docs); err != nil {
		return "", err
	}

	chunks, err := r.store.Retrieve(ctx, topic, r.cfg.TopK)
	if err != nil {
		return "", err
	}
	text, err := r.deps.Chat.Generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, backgroundSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, backgroundPrompt(topic, r.sourceContext(chunks))),
	})
	if err != nil {
		return "", err
	}
	return r.budget(responseText(text), r.cfg.ReportTokens), nil
}

func (r *run) generatePlan(ctx context.Context, topic, background string) ([]ResearchQuery, error) {
	type planResponse struct {
		Steps []ResearchQuery `json:"steps"`
	}
	breadth := r.cfg.Breadth
	resp, err := clients.GenerateJSON[planResponse](ctx, r.deps.Chat, fmt.Sprintf(planSystemPrompt, breadth),
		planPrompt(topic, background), planSchema,
		func(p planResponse) error {
			if len(p.Steps) < breadth {
				return fmt.Errorf("expected %d steps, got %d", breadth, len(p.Steps))
			}
			for i, s := range p.Steps[:breadth] {
				if strings.TrimSpace(s.Question) == "" || strings.TrimSpace(s.SearchQuery) == "" {
					return fmt.Errorf("step %d is missing a question or search query", i+1)
				}
			}
			return nil
		})
	if err != nil {
		if errors.Is(err, clients.ErrValidation) {
			return nil, fmt.Errorf("%w: plan: %v", ErrPlanValidation, err)
		}
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}
	return resp.Steps[:breadth], nil
}

func (r *run) search(ctx context.Context, query string) ([]sources.SearchResult, error) {
	do := func(ctx context.Context) ([]sources.SearchResult, error) {
		return r.deps.Search.Search(ctx, query, r.cfg.MaxResults, r.cfg.Domains)
	}
	if r.deps.General == nil {
		return do(ctx)
	}
	return limiter.Run(ctx, r.deps.General, do)
}

// gatherSources searches every plan step concurrently, filters the results
// and adds the relevant ones to the run's result set.
func (r *run) gatherSources(ctx context.Context, topic string, plan []ResearchQuery) {
	var wg sync.WaitGroup
	for i, q := range plan {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := r.search(ctx, q.SearchQuery)
			if err != nil {
				r.logger.Warn("Search failed", "step", i+1, "query", q.SearchQuery, "error", err)
				return
			}
			relevant := r.filter.Filter(ctx, topic, q, results)
			added := r.results.AddAll(relevant)
			r.step(fmt.Sprintf("Searched step %d", i+1),
				fmt.Sprintf("%q: %d results, %d relevant, %d new", q.SearchQuery, len(results), len(relevant), len(added)))
		}()
	}
	wg.Wait()
}

// extractContent scrapes every result not attempted before in this run.
// Failed, disallowed and too-short pages are dropped.
func (r *run) extractContent(ctx context.Context, results []sources.SearchResult) []knowledge.Document {
	docs := make([]*knowledge.Document, len(results))
	var wg sync.WaitGroup

	for i, res := range results {
		if !r.contents.Claim(res.URL) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			content, err := r.scraper.Extract(ctx, res.URL)
			switch {
			case err == nil:
			case errors.Is(err, tools.ErrContentTooShort), errors.Is(err, tools.ErrQuotaReached):
				return
			case errors.Is(err, tools.ErrDisallowed):
				r.logger.Info("Skipping disallowed URL", "url", res.URL)
				return
			default:
				r.logger.Warn("Failed to scrape", "url", res.URL, "error", err)
				return
			}
			if content.Title == "" {
				content.Title = res.Title
			}
			if r.contents.Add(*content) {
				docs[i] = &knowledge.Document{ScrapedContent: *content, Snippet: res.Snippet}
			}
		}()
	}
	wg.Wait()

	var out []knowledge.Document
	for _, d := range docs {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// synthesizeSteps writes one report per plan step. A failing step is logged
// and left out; the reports keep plan order.
func (r *run) synthesizeSteps(ctx context.Context, topic string, plan []ResearchQuery) []ResearchReport {
	reports := make([]*ResearchReport, len(plan))
	eg := new(errgroup.Group)

	for i, q := range plan {
		eg.Go(func() error {
			report, err := r.synthesizeStep(ctx, topic, q)
			if err != nil {
				r.logger.Error("Step synthesis failed", "step", i+1, "question", q.Question, "error", err)
				return nil
			}
			reports[i] = &ResearchReport{Query: q, Report: report}
			return nil
		})
	}
	_ = eg.Wait()

	var out []ResearchReport
	for _, rep := range reports {
		if rep != nil {
			out = append(out, *rep)
		}
	}
	return out
}

func (r *run) synthesizeStep(ctx context.Context, topic string, q ResearchQuery) (string, error) {
	chunks, err := r.store.Retrieve(ctx, q.Question, r.cfg.TopK)
	if err != nil {
		return "", err
	}
	text, err := r.deps.Chat.Generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, stepSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, stepPrompt(topic, q, r.sourceContext(chunks))),
	})
	if err != nil {
		return "", err
	}
	return r.budget(responseText(text), r.cfg.ReportTokens), nil
}

// synthesizeFinal writes the final report. Streamed and non-streamed output
// go through the same tag parser and accumulator.
func (r *run) synthesizeFinal(ctx context.Context, topic, background string, reports []ResearchReport) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, finalSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, finalPrompt(topic, background, reports)),
	}

	parser := streamparse.New("think", "response")
	var report strings.Builder
	consume := func(events []streamparse.Event) {
		for _, e := range events {
			if e.Tag != "response" {
				continue
			}
			report.WriteString(e.Text)
			r.emit(TextEvent{Text: e.Text})
		}
	}

	var raw string
	var err error
	if r.cfg.StreamFinal {
		raw, err = r.deps.Chat.Stream(ctx, messages, func(chunk string) error {
			consume(parser.Feed(chunk))
			return nil
		})
	} else {
		raw, err = r.deps.Chat.Generate(ctx, messages)
		if err == nil {
			consume(parser.Feed(raw))
		}
	}
	if err != nil {
		return "", err
	}
	consume(parser.Flush())

	if report.Len() == 0 {
		// the model ignored the tags
		fallback := strings.TrimSpace(stripThink(raw))
		if fallback != "" {
			report.WriteString(fallback)
			r.emit(TextEvent{Text: fallback})
		}
	}
	if strings.TrimSpace(report.String()) == "" {
		return "", errors.New("model returned an empty report")
	}
	return report.String(), nil
}

func (r *run) groundCitations(ctx context.Context, report string) ([]citations.Citation, error) {
	if r.deps.Grounder == nil {
		return nil, nil
	}
	r.emit(GeneratingCitationsEvent{})

	var cites []citations.Citation
	err := r.deps.Grounder.Ground(ctx, report, r.contents.List(), func(c citations.Citation) {
		cites = append(cites, c)
		r.emit(CitationEvent{Citation: c})
	})
	if err != nil {
		return nil, err
	}

	r.emit(GeneratingCitationsCompleteEvent{})
	return cites, nil
}

// sourceContext joins retrieved chunks until the context budget is used up.
func (r *run) sourceContext(chunks []knowledge.ScoredChunk) string {
	var parts []string
	used := 0
	for _, c := range formatChunks(chunks) {
		n := r.count(c)
		if used+n > r.cfg.ContextTokens && len(parts) > 0 {
			break
		}
		parts = append(parts, r.budget(c, r.cfg.ContextTokens))
		used += n
	}
	return strings.Join(parts, "\n\n")
}

func (r *run) count(text string) int {
	if r.deps.Tokenizer != nil {
		return r.deps.Tokenizer.Count(text)
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

type truncater interface {
	Truncate(text string, maxTokens int) string
}

// budget cuts text to about maxTokens tokens.
func (r *run) budget(text string, maxTokens int) string {
	if maxTokens <= 0 || r.count(text) <= maxTokens {
		return text
	}
	if t, ok := r.deps.Tokenizer.(truncater); ok {
		return t.Truncate(text, maxTokens)
	}
	n := 0
	for i := range text {
		if n == maxTokens*4 {
			return text[:i]
		}
		n++
	}
	return text
}

// responseText returns the <response> part of a model answer, or the whole
// answer without its reasoning when the tag is missing.
func responseText(text string) string {
	if got := streamparse.Collect(text, "response")["response"]; strings.TrimSpace(got) != "" {
		return strings.TrimSpace(got)
	}
	return strings.TrimSpace(stripThink(text))
}

func stripThink(text string) string {
	for {
		start := strings.Index(text, "<think>")
		if start < 0 {
			return text
		}
		end := strings.Index(text[start:], "</think>")
		if end < 0 {
			return text[:start]
		}
		text = text[:start] + text[start+end+len("</think>"):]
	}
}
