// Package app wires the research pipeline together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mikeboe/deep-research/pkg/citations"
	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/knowledge"
	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/research/tools"
	"github.com/mikeboe/deep-research/pkg/robots"
	"github.com/mikeboe/deep-research/pkg/splitter"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// App holds the process-wide collaborators. The limiters are shared by every
// run so concurrent jobs stay within the provider limits together.
type App struct {
	Cfg *config.Config

	Inference *limiter.Limiter
	General   *limiter.Limiter
	HTTP      *http.Client
	Robots    *robots.Gate // nil when robots.txt is ignored

	Chat      *clients.Chat
	FastChat  *clients.Chat
	Embedder  embeddings.Embedder
	Tokenizer splitter.Tokenizer // nil selects character chunking
	Search    tools.SearchProvider

	vectors *vectorstore.PGVectorStore
	Logger  *slog.Logger
}

// New builds the collaborators described by cfg. db is required for the
// pgvector index and ignored otherwise.
func New(ctx context.Context, cfg *config.Config, db *database.PostgresDB, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Cfg:       cfg,
		Inference: limiter.New(cfg.InferenceLimits()),
		General:   limiter.New(cfg.GeneralLimits()),
		HTTP:      &http.Client{Timeout: cfg.ScrapeTimeout},
		Logger:    logger,
	}

	for _, l := range []*limiter.Limiter{a.Inference, a.General} {
		logger.Debug("Limiter ready", "limiter", l.Name(), "max_concurrent", l.MaxConcurrent())
	}

	if cfg.RespectRobots {
		gate, err := robots.NewGate(a.HTTP, cfg.CacheSize, robots.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.Robots = gate
	}

	var err error
	if a.Chat, err = a.newChat(ctx, cfg.ReasoningModel); err != nil {
		return nil, fmt.Errorf("failed to init reasoning model: %w", err)
	}
	if a.FastChat, err = a.newChat(ctx, cfg.FastModel); err != nil {
		return nil, fmt.Errorf("failed to init fast model: %w", err)
	}

	inner, err := a.newEmbedder(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init embedder: %w", err)
	}
	a.Embedder = embeddings.NewThrottled(inner, a.Inference, cfg.EmbeddingBatchSize)

	if cfg.TokenizerEncoding != "none" {
		tok, err := splitter.LoadTokenizer(cfg.TokenizerEncoding)
		if err != nil {
			logger.Warn("Tokenizer unavailable, falling back to character chunking", "error", err)
		} else {
			a.Tokenizer = tok
		}
	}

	switch cfg.SearchProvider {
	case "arxiv":
		a.Search = tools.NewArxivSearch(a.HTTP)
	default:
		a.Search = tools.NewDuckDuckGo(a.HTTP)
	}

	if cfg.IndexBackend == "pgvector" {
		if db == nil {
			return nil, errors.New("pgvector index requires a database connection")
		}
		if err := db.EnsureChunkTable(ctx, cfg.CollectionName, cfg.EmbeddingDimensions); err != nil {
			return nil, err
		}
		if a.vectors, err = vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *App) newChat(ctx context.Context, model string) (*clients.Chat, error) {
	llm, err := clients.NewModel(ctx, a.Cfg.ChatModel(model))
	if err != nil {
		return nil, err
	}
	return clients.NewChat(llm, a.Inference, a.Cfg.LLMMaxRetries), nil
}

func (a *App) newEmbedder(ctx context.Context) (embeddings.Embedder, error) {
	cfg := a.Cfg
	switch cfg.EmbeddingProvider {
	case "openai":
		baseURL := ""
		if cfg.LLMProvider == "openai" {
			baseURL = cfg.LLMBaseURL
		}
		return embeddings.NewOpenAIEmbedder(cfg.EmbeddingAPIKey(), cfg.EmbeddingModel, baseURL, cfg.EmbeddingDimensions), nil
	default:
		return embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.EmbeddingAPIKey(), cfg.EmbeddingDimensions)
	}
}

// Grounder returns the configured citation strategy, or nil when citations
// are disabled.
func (a *App) Grounder(logger *slog.Logger) citations.Grounder {
	switch a.Cfg.CitationStrategy {
	case "model":
		g := citations.NewModelGrounder(a.Chat)
		g.Logger = logger
		return g
	case "similarity":
		g := citations.NewSimilarityGrounder(a.Chat, a.Embedder, a.General)
		if a.Cfg.CitationTopN > 0 {
			g.TopN = a.Cfg.CitationTopN
		}
		if a.Cfg.CitationThreshold > 0 {
			g.Threshold = a.Cfg.CitationThreshold
		}
		g.Logger = logger
		return g
	}
	return nil
}

// StoreFactory returns the per-run knowledge store constructor.
func (a *App) StoreFactory(logger *slog.Logger) research.StoreFactory {
	return func(ctx context.Context, runID string) (*knowledge.Store, func(context.Context) error, error) {
		var (
			index   knowledge.Index
			release func(context.Context) error
		)
		if a.vectors != nil {
			pg := knowledge.NewPGIndex(a.vectors, runID)
			index, release = pg, pg.Close
		} else {
			index = knowledge.NewMemoryIndex()
		}
		store := knowledge.NewStore(a.Cfg.Knowledge(), index, a.Embedder, a.Tokenizer, a.General)
		store.Logger = logger
		return store, release, nil
	}
}

func (a *App) newScraper(logger *slog.Logger) *tools.Scraper {
	var checker tools.RobotsChecker
	if a.Robots != nil {
		checker = a.Robots
	}
	s := tools.NewScraper(a.Cfg.Scraper(), a.HTTP, a.General, checker)
	s.Logger = logger
	return s
}

// NewResearcher builds a researcher for one job. rc overrides the run
// parameters from the configuration.
func (a *App) NewResearcher(rc research.Config, logger *slog.Logger) (*research.Researcher, error) {
	if logger == nil {
		logger = a.Logger
	}
	deps := research.Deps{
		Chat:       a.Chat,
		FastChat:   a.FastChat,
		Search:     a.Search,
		NewScraper: func() *tools.Scraper { return a.newScraper(logger) },
		NewStore:   a.StoreFactory(logger),
		General:    a.General,
		Tokenizer:  a.Tokenizer,
	}
	if g := a.Grounder(logger); g != nil {
		deps.Grounder = g
	}

	r, err := research.New(rc, deps)
	if err != nil {
		return nil, err
	}
	r.Logger = logger
	return r, nil
}
