package citations

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mikeboe/deep-research/pkg/sources"
)

// Citation links a span of the final report to the source that supports it.
// StartIndex and EndIndex are byte offsets into the report.
type Citation struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	ContextText string `json:"context_text"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
}

// Grounder finds citations for a report and passes each to emit as soon as
// it is known. emit is never called concurrently.
type Grounder interface {
	Ground(ctx context.Context, report string, docs []sources.ScrapedContent, emit func(Citation)) error
}

// emitter serializes emit and drops exact duplicates.
type emitter struct {
	mu   sync.Mutex
	seen map[string]bool
	fn   func(Citation)
}

func newEmitter(fn func(Citation)) *emitter {
	return &emitter{seen: make(map[string]bool), fn: fn}
}

func (e *emitter) emit(c Citation) {
	key := fmt.Sprintf("%s|%d|%d", c.URL, c.StartIndex, c.EndIndex)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[key] {
		return
	}
	e.seen[key] = true
	if e.fn != nil {
		e.fn(c)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func formatSources(docs []sources.ScrapedContent, maxChars int) string {
	var sb strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, d.Title, d.URL, truncate(d.Text, maxChars))
	}
	return sb.String()
}
