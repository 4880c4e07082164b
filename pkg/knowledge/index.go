package knowledge

import (
	"context"
	"sort"
	"sync"

	"github.com/mikeboe/deep-research/pkg/embeddings"
)

// Chunk is one embedded slice of a scraped page.
type Chunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet,omitempty"`
	Embedding []float32 `json:"-"`
}

// ScoredChunk is a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Index stores chunks and returns nearest neighbours by cosine similarity,
// best first. Returned chunks must carry their embeddings.
type Index interface {
	Add(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, query []float32, k int) ([]ScoredChunk, error)
}

// MemoryIndex is an exhaustive in-process index.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks []Chunk
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

func (m *MemoryIndex) Add(_ context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]ScoredChunk, error) {
	m.mu.RLock()
	scored := make([]ScoredChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		scored = append(scored, ScoredChunk{Chunk: c, Score: embeddings.Cosine(query, c.Embedding)})
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}
