package research

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/sources"
)

type relevanceResponse struct {
	Relevant bool `json:"relevant"`
}

// RelevanceFilter asks the model about every search result separately and
// keeps the relevant ones. A failed judgment counts as irrelevant.
type RelevanceFilter struct {
	chat   *clients.Chat
	Logger *slog.Logger
}

func NewRelevanceFilter(chat *clients.Chat) *RelevanceFilter {
	return &RelevanceFilter{chat: chat, Logger: slog.Default()}
}

// Filter returns the relevant results in their input order.
func (f *RelevanceFilter) Filter(ctx context.Context, topic string, q ResearchQuery, results []sources.SearchResult) []sources.SearchResult {
	keep := make([]bool, len(results))
	var wg sync.WaitGroup

	for i, r := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := clients.GenerateJSON[relevanceResponse](ctx, f.chat, filterSystemPrompt,
				filterPrompt(topic, q, r.Title, r.URL, r.Snippet), filterSchema, nil)
			if err != nil {
				f.Logger.Warn("Relevance check failed, dropping result", "url", r.URL, "error", err)
				return
			}
			keep[i] = resp.Relevant
		}()
	}
	wg.Wait()

	var out []sources.SearchResult
	for i, r := range results {
		if keep[i] {
			out = append(out, r)
		}
	}
	f.Logger.Info("Filtering complete", "question", q.Question, "total", len(results), "relevant", len(out))
	return out
}
