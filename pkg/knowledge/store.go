package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/sources"
	"github.com/mikeboe/deep-research/pkg/splitter"
)

// DefaultLambda is the MMR trade-off used when none is configured.
const DefaultLambda = 0.7

type Config struct {
	ChunkSize      int
	ChunkOverlap   int
	TopK           int
	FetchK         int
	Lambda         float64 // MMR trade-off in [0, 1], 1 is pure relevance and 0 pure diversity
	ScoreThreshold float64 // minimum query similarity, <= 0 disables
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 5
	}
	if c.TopK <= 0 {
		c.TopK = 8
	}
	if c.FetchK < c.TopK {
		c.FetchK = c.TopK * 4
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		c.Lambda = DefaultLambda
	}
	return c
}

// Document is scraped content plus the search snippet it was found with.
type Document struct {
	sources.ScrapedContent
	Snippet string
}

// Store chunks, embeds and indexes documents and retrieves diverse relevant
// chunks for a query.
type Store struct {
	cfg      Config
	index    Index
	embedder embeddings.Embedder
	splitter *splitter.TextSplitter
	general  *limiter.Limiter

	mu sync.Mutex

	Logger *slog.Logger
}

// NewStore creates a store. embedder should already be throttled on the
// inference limiter. A nil tokenizer selects character-based chunking.
func NewStore(cfg Config, index Index, embedder embeddings.Embedder, tok splitter.Tokenizer, general *limiter.Limiter) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:      cfg,
		index:    index,
		embedder: embedder,
		splitter: splitter.New(cfg.ChunkSize, cfg.ChunkOverlap, tok),
		general:  general,
		Logger:   slog.Default(),
	}
}

func (s *Store) Config() Config { return s.cfg }

// Load indexes scraped contents without snippets.
func (s *Store) Load(ctx context.Context, contents []sources.ScrapedContent) (int, error) {
	docs := make([]Document, len(contents))
	for i, c := range contents {
		docs[i] = Document{ScrapedContent: c}
	}
	return s.LoadDocuments(ctx, docs)
}

// LoadDocuments chunks, embeds and indexes docs, returning the number of
// chunks added.
func (s *Store) LoadDocuments(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	split := func(ctx context.Context) ([]Chunk, error) {
		var chunks []Chunk
		for _, d := range docs {
			texts, err := s.splitter.SplitText(d.Text)
			if err != nil {
				return nil, fmt.Errorf("failed to split %s: %w", d.URL, err)
			}
			for _, t := range texts {
				chunks = append(chunks, Chunk{
					ID:      uuid.NewString(),
					Text:    t,
					URL:     d.URL,
					Title:   d.Title,
					Snippet: d.Snippet,
				})
			}
		}
		return chunks, nil
	}

	var chunks []Chunk
	var err error
	if s.general != nil {
		chunks, err = limiter.Run(ctx, s.general, split)
	} else {
		chunks, err = split(ctx)
	}
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := s.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index.Add(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to index chunks: %w", err)
	}

	s.Logger.Info("Indexed documents", "documents", len(docs), "chunks", len(chunks))
	return len(chunks), nil
}

// Retrieve returns at most k chunks relevant to query, re-ranked for
// diversity. k <= 0 uses the configured TopK.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}

	vecs, err := s.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for the query", len(vecs))
	}

	candidates, err := s.index.Search(ctx, vecs[0], max(s.cfg.FetchK, k))
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	selected := MMR(vecs[0], dedupe(candidates), k, s.cfg.Lambda)

	if s.cfg.ScoreThreshold > 0 {
		kept := selected[:0]
		for _, c := range selected {
			if c.Score >= s.cfg.ScoreThreshold {
				kept = append(kept, c)
			}
		}
		selected = kept
	}
	return selected, nil
}

func dedupe(chunks []ScoredChunk) []ScoredChunk {
	seen := make(map[string]bool, len(chunks))
	out := make([]ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if seen[c.Chunk.ID] {
			continue
		}
		seen[c.Chunk.ID] = true
		out = append(out, c)
	}
	return out
}

// MMR picks up to k candidates by maximal marginal relevance. Each chosen
// chunk's Score is its cosine similarity to the query.
func MMR(query []float32, candidates []ScoredChunk, k int, lambda float64) []ScoredChunk {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	relevance := make([]float64, len(candidates))
	for i, c := range candidates {
		relevance[i] = embeddings.Cosine(query, c.Chunk.Embedding)
	}

	picked := make([]bool, len(candidates))
	var selected []int
	for len(selected) < k && len(selected) < len(candidates) {
		best, bestScore := -1, 0.0
		for i := range candidates {
			if picked[i] {
				continue
			}
			redundancy := 0.0
			for _, j := range selected {
				if sim := embeddings.Cosine(candidates[i].Chunk.Embedding, candidates[j].Chunk.Embedding); sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*relevance[i] - (1-lambda)*redundancy
			if best == -1 || score > bestScore {
				best, bestScore = i, score
			}
		}
		picked[best] = true
		selected = append(selected, best)
	}

	out := make([]ScoredChunk, len(selected))
	for n, i := range selected {
		out[n] = ScoredChunk{Chunk: candidates[i].Chunk, Score: relevance[i]}
	}
	return out
}
