package research

import (
	"github.com/mikeboe/deep-research/pkg/citations"
	"github.com/mikeboe/deep-research/pkg/sources"
)

// Config holds the run parameters of a Researcher.
type Config struct {
	Breadth       int      // number of plan steps
	MaxResults    int      // results requested per search
	TopK          int      // chunks retrieved per step, <= 0 uses the store's default
	Domains       []string // optional search restriction
	StreamFinal   bool     // stream the final report token by token
	ContextTokens int      // retrieved context budget per synthesis call
	ReportTokens  int      // budget for background and per-step reports
}

func DefaultConfig() Config {
	return Config{
		Breadth:       3,
		MaxResults:    5,
		StreamFinal:   true,
		ContextTokens: 6000,
		ReportTokens:  1500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Breadth <= 0 {
		c.Breadth = d.Breadth
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.ContextTokens <= 0 {
		c.ContextTokens = d.ContextTokens
	}
	if c.ReportTokens <= 0 {
		c.ReportTokens = d.ReportTokens
	}
	return c
}

// Message is one turn of the conversation a research run starts from.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResearchQuery is one step of the research plan.
type ResearchQuery struct {
	Question    string `json:"question"`
	SearchQuery string `json:"search_query"`
	Rationale   string `json:"rationale"`
}

// ResearchReport holds the findings for one plan step.
type ResearchReport struct {
	Query  ResearchQuery `json:"query"`
	Report string        `json:"report"`
}

// Result is everything a finished run produced.
type Result struct {
	Topic      string                   `json:"topic"`
	Background string                   `json:"background"`
	Plan       []ResearchQuery          `json:"plan"`
	Reports    []ResearchReport         `json:"reports"`
	Report     string                   `json:"report"`
	Citations  []citations.Citation     `json:"citations"`
	Sources    []sources.ScrapedContent `json:"sources"`
}
