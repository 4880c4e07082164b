package knowledge

import (
	"context"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// PGIndex stores one run's chunks in a shared pgvector table. Every row is
// tagged with the run ID and searches only see rows of the same run.
type PGIndex struct {
	store *vectorstore.PGVectorStore
	runID string
}

func NewPGIndex(store *vectorstore.PGVectorStore, runID string) *PGIndex {
	return &PGIndex{store: store, runID: runID}
}

func (p *PGIndex) filter() vectorstore.Filter {
	return vectorstore.Filter{"run_id": p.runID}
}

func (p *PGIndex) Add(ctx context.Context, chunks []Chunk) error {
	docs := make([]vectorstore.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = vectorstore.Document{
			ID:      c.ID,
			Content: c.Text,
			Metadata: map[string]interface{}{
				"run_id":  p.runID,
				"source":  c.URL,
				"title":   c.Title,
				"snippet": c.Snippet,
			},
			Embedding: c.Embedding,
		}
	}
	return p.store.AddDocuments(ctx, docs)
}

func (p *PGIndex) Search(ctx context.Context, query []float32, k int) ([]ScoredChunk, error) {
	results, err := p.store.SimilaritySearch(ctx, query, k, p.filter())
	if err != nil {
		return nil, err
	}

	out := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		out = append(out, ScoredChunk{
			Chunk: Chunk{
				ID:        r.Document.ID,
				Text:      r.Document.Content,
				URL:       metaString(r.Document.Metadata, "source"),
				Title:     metaString(r.Document.Metadata, "title"),
				Snippet:   metaString(r.Document.Metadata, "snippet"),
				Embedding: r.Document.Embedding,
			},
			Score: r.Similarity,
		})
	}
	return out, nil
}

// Close deletes the run's rows.
func (p *PGIndex) Close(ctx context.Context) error {
	if _, err := p.store.Delete(ctx, p.filter()); err != nil {
		return fmt.Errorf("failed to clean up run %s: %w", p.runID, err)
	}
	return nil
}

func metaString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
