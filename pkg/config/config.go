package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/knowledge"
	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/research/tools"
)

// Prefix is prepended to every variable name. Unprefixed names are read as a
// fallback, so GOOGLE_API_KEY works as well as RESEARCH_GOOGLE_API_KEY.
const Prefix = "RESEARCH"

type Config struct {
	LLMProvider    string `envconfig:"LLM_PROVIDER" default:"google"`
	ReasoningModel string `envconfig:"REASONING_MODEL" default:"gemini-2.5-pro"`
	FastModel      string `envconfig:"FAST_MODEL" default:"gemini-2.5-flash"`
	LLMBaseURL     string `envconfig:"LLM_BASE_URL"`
	LLMMaxRetries  int    `envconfig:"LLM_MAX_RETRIES" default:"3"`

	EmbeddingProvider   string `envconfig:"EMBEDDING_PROVIDER" default:"google"`
	EmbeddingModel      string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingDimensions int    `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbeddingBatchSize  int    `envconfig:"EMBEDDING_BATCH_SIZE" default:"64"`

	GoogleAPIKey    string `envconfig:"GOOGLE_API_KEY"`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	MistralAPIKey   string `envconfig:"MISTRAL_API_KEY"`

	DatabaseURL    string `envconfig:"DATABASE_URL"`
	IndexBackend   string `envconfig:"INDEX_BACKEND" default:"memory"`
	CollectionName string `envconfig:"COLLECTION_NAME" default:"research_chunks"`

	SearchProvider string   `envconfig:"SEARCH_PROVIDER" default:"duckduckgo"`
	SearchDomains  []string `envconfig:"SEARCH_DOMAINS"`
	Breadth        int      `envconfig:"BREADTH" default:"3"`
	MaxResults     int      `envconfig:"MAX_RESULTS" default:"5"`
	StreamFinal    bool     `envconfig:"STREAM_FINAL" default:"true"`
	ContextTokens  int      `envconfig:"CONTEXT_TOKENS" default:"6000"`
	ReportTokens   int      `envconfig:"REPORT_TOKENS" default:"1500"`

	ChunkSize         int     `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap      int     `envconfig:"CHUNK_OVERLAP" default:"200"`
	TokenizerEncoding string  `envconfig:"TOKENIZER_ENCODING" default:"cl100k_base"` // "none" selects character chunking
	TopK              int     `envconfig:"TOP_K" default:"8"`
	FetchK            int     `envconfig:"FETCH_K" default:"32"`
	MMRLambda         float64 `envconfig:"MMR_LAMBDA" default:"0.7"`
	ScoreThreshold    float64 `envconfig:"SCORE_THRESHOLD" default:"0"`

	ScrapeQuota      int           `envconfig:"SCRAPE_QUOTA" default:"30"`
	ScrapeTimeout    time.Duration `envconfig:"SCRAPE_TIMEOUT" default:"30s"`
	MinContentLength int           `envconfig:"MIN_CONTENT_LENGTH" default:"200"`
	MaxContentLength int           `envconfig:"MAX_CONTENT_LENGTH" default:"15000"`
	UserAgent        string        `envconfig:"USER_AGENT" default:"deep-research/1.0"`
	RespectRobots    bool          `envconfig:"RESPECT_ROBOTS" default:"true"`
	CacheSize        int           `envconfig:"CACHE_SIZE" default:"1024"`

	CitationStrategy  string  `envconfig:"CITATION_STRATEGY" default:"similarity"`
	CitationTopN      int     `envconfig:"CITATION_TOP_N" default:"3"`
	CitationThreshold float64 `envconfig:"CITATION_THRESHOLD" default:"0.75"`

	InferenceMaxConcurrent int           `envconfig:"INFERENCE_MAX_CONCURRENT" default:"4"`
	InferenceRateLimit     int           `envconfig:"INFERENCE_RATE_LIMIT" default:"60"`
	InferenceRatePeriod    time.Duration `envconfig:"INFERENCE_RATE_PERIOD" default:"1m"`
	GeneralMaxConcurrent   int           `envconfig:"GENERAL_MAX_CONCURRENT" default:"8"`
	GeneralRateLimit       int           `envconfig:"GENERAL_RATE_LIMIT" default:"0"`
	GeneralRatePeriod      time.Duration `envconfig:"GENERAL_RATE_PERIOD" default:"1s"`

	Port     string `envconfig:"PORT" default:"3000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads .env if present, then the environment, and validates the
// result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), value)
}

func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(oneOf("LLM_PROVIDER", c.LLMProvider, "google", "anthropic", "openai"))
	add(oneOf("EMBEDDING_PROVIDER", c.EmbeddingProvider, "google", "openai"))
	add(oneOf("INDEX_BACKEND", c.IndexBackend, "memory", "pgvector"))
	add(oneOf("SEARCH_PROVIDER", c.SearchProvider, "duckduckgo", "arxiv"))
	add(oneOf("CITATION_STRATEGY", c.CitationStrategy, "similarity", "model", "none"))

	if c.apiKey(c.LLMProvider) == "" {
		errs = append(errs, fmt.Errorf("missing API key for LLM provider %q", c.LLMProvider))
	}
	if c.apiKey(c.EmbeddingProvider) == "" {
		errs = append(errs, fmt.Errorf("missing API key for embedding provider %q", c.EmbeddingProvider))
	}
	if c.IndexBackend == "pgvector" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the pgvector index"))
	}
	if c.Breadth < 1 {
		errs = append(errs, errors.New("BREADTH must be at least 1"))
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		errs = append(errs, fmt.Errorf("MMR_LAMBDA must be between 0 and 1, got %g", c.MMRLambda))
	}
	return errors.Join(errs...)
}

func (c *Config) apiKey(provider string) string {
	switch provider {
	case "google":
		return c.GoogleAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	}
	return ""
}

func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// ChatModel describes the chat backend for the given model name.
func (c *Config) ChatModel(model string) clients.ModelConfig {
	return clients.ModelConfig{
		Provider: c.LLMProvider,
		Model:    model,
		APIKey:   c.apiKey(c.LLMProvider),
		BaseURL:  c.LLMBaseURL,
	}
}

func (c *Config) EmbeddingAPIKey() string {
	return c.apiKey(c.EmbeddingProvider)
}

func (c *Config) Research() research.Config {
	return research.Config{
		Breadth:       c.Breadth,
		MaxResults:    c.MaxResults,
		TopK:          c.TopK,
		Domains:       c.SearchDomains,
		StreamFinal:   c.StreamFinal,
		ContextTokens: c.ContextTokens,
		ReportTokens:  c.ReportTokens,
	}
}

func (c *Config) Knowledge() knowledge.Config {
	return knowledge.Config{
		ChunkSize:      c.ChunkSize,
		ChunkOverlap:   c.ChunkOverlap,
		TopK:           c.TopK,
		FetchK:         c.FetchK,
		Lambda:         c.MMRLambda,
		ScoreThreshold: c.ScoreThreshold,
	}
}

func (c *Config) Scraper() tools.ScraperConfig {
	return tools.ScraperConfig{
		UserAgent:        c.UserAgent,
		Timeout:          c.ScrapeTimeout,
		MinContentLength: c.MinContentLength,
		MaxContentLength: c.MaxContentLength,
		Quota:            c.ScrapeQuota,
		MistralAPIKey:    c.MistralAPIKey,
	}
}

func (c *Config) InferenceLimits() limiter.Config {
	return limiter.Config{
		Name:          "inference",
		MaxConcurrent: c.InferenceMaxConcurrent,
		RateLimit:     c.InferenceRateLimit,
		RatePeriod:    c.InferenceRatePeriod,
	}
}

func (c *Config) GeneralLimits() limiter.Config {
	return limiter.Config{
		Name:          "general",
		MaxConcurrent: c.GeneralMaxConcurrent,
		RateLimit:     c.GeneralRateLimit,
		RatePeriod:    c.GeneralRatePeriod,
	}
}

func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
