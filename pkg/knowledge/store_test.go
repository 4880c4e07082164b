package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/sources"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// keywordEmbedder maps text onto three axes by keyword counts.
type keywordEmbedder struct{}

func (keywordEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		t = strings.ToLower(t)
		out[i] = []float32{
			float32(strings.Count(t, "neutron")) + 0.01,
			float32(strings.Count(t, "pulsar")) + 0.01,
			float32(strings.Count(t, "banana")) + 0.01,
		}
	}
	return out, nil
}

func newTestStore(cfg Config) (*Store, *MemoryIndex) {
	idx := NewMemoryIndex()
	general := limiter.New(limiter.Config{Name: "general", MaxConcurrent: 2})
	return NewStore(cfg, idx, keywordEmbedder{}, nil, general), idx
}

func page(url, text string) sources.ScrapedContent {
	return sources.ScrapedContent{URL: url, Title: url, Text: text}
}

func TestLoad_ChunksWithUniqueIDs(t *testing.T) {
	s, idx := newTestStore(Config{ChunkSize: 40, ChunkOverlap: 0})

	n, err := s.Load(context.Background(), []sources.ScrapedContent{
		page("https://a.org", strings.Repeat("neutron star matter. ", 10)),
		page("https://b.org", strings.Repeat("banana bread recipe. ", 10)),
	})
	require.NoError(t, err)
	assert.Greater(t, n, 2)
	assert.Equal(t, n, idx.Len())

	seen := map[string]bool{}
	for _, c := range idx.chunks {
		assert.False(t, seen[c.ID], "duplicate id %s", c.ID)
		seen[c.ID] = true
		assert.NotEmpty(t, c.Embedding)
		assert.LessOrEqual(t, len(c.Text), 40)
	}
}

func TestLoadDocuments_KeepsSnippet(t *testing.T) {
	s, idx := newTestStore(Config{})
	_, err := s.LoadDocuments(context.Background(), []Document{{
		ScrapedContent: page("https://a.org", "neutron stars"),
		Snippet:        "from search",
	}})
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())
	assert.Equal(t, "from search", idx.chunks[0].Snippet)
}

func TestRetrieve_BoundedAndUnique(t *testing.T) {
	s, _ := newTestStore(Config{ChunkSize: 30, ChunkOverlap: 0, FetchK: 50})
	var pages []sources.ScrapedContent
	for i := 0; i < 5; i++ {
		pages = append(pages, page(fmt.Sprintf("https://n%d.org", i), strings.Repeat("neutron pulsar data. ", 5)))
	}
	_, err := s.Load(context.Background(), pages)
	require.NoError(t, err)

	for _, k := range []int{1, 3, 7} {
		got, err := s.Retrieve(context.Background(), "neutron", k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got), k)
		ids := map[string]bool{}
		for _, c := range got {
			assert.False(t, ids[c.Chunk.ID])
			ids[c.Chunk.ID] = true
		}
	}
}

func TestRetrieve_RelevantFirstAndThreshold(t *testing.T) {
	s, _ := newTestStore(Config{Lambda: DefaultLambda, ScoreThreshold: 0.5})
	_, err := s.Load(context.Background(), []sources.ScrapedContent{
		page("https://fruit.org", "banana banana"),
		page("https://stars.org", "neutron neutron"),
	})
	require.NoError(t, err)

	got, err := s.Retrieve(context.Background(), "neutron", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://stars.org", got[0].Chunk.URL)
	assert.Greater(t, got[0].Score, 0.9)
}

func TestConfig_Lambda(t *testing.T) {
	tests := []struct {
		name   string
		lambda float64
		want   float64
	}{
		{"Zero keeps pure diversity", 0, 0},
		{"In range", 0.3, 0.3},
		{"One", 1, 1},
		{"Negative", -0.1, DefaultLambda},
		{"Above one", 1.2, DefaultLambda},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(Config{Lambda: tt.lambda})
			assert.InDelta(t, tt.want, s.Config().Lambda, 1e-9)
		})
	}
}

func TestMMR_PrefersDiverseSecondPick(t *testing.T) {
	query := []float32{1, 0.2, 0}
	candidates := []ScoredChunk{
		{Chunk: Chunk{ID: "a", Embedding: []float32{1, 0, 0}}},
		{Chunk: Chunk{ID: "a2", Embedding: []float32{0.99, 0.01, 0}}},
		{Chunk: Chunk{ID: "b", Embedding: []float32{0.7, 0.7, 0}}},
	}

	got := MMR(query, candidates, 2, 0.5)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].Chunk.ID)
	assert.Equal(t, "b", got[1].Chunk.ID)

	pure := MMR(query, candidates, 2, 1)
	assert.Equal(t, "a2", pure[0].Chunk.ID)
	assert.Equal(t, "a", pure[1].Chunk.ID)

	assert.Nil(t, MMR(query, candidates, 0, 0.5))
	assert.Len(t, MMR(query, candidates, 10, 0.5), 3)
}

func TestLoad_ConcurrentCallsAllIndexed(t *testing.T) {
	s, idx := newTestStore(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Load(context.Background(), []sources.ScrapedContent{page(fmt.Sprintf("https://%d.org", i), "neutron")})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, idx.Len())
}

func TestDedupe(t *testing.T) {
	got := dedupe([]ScoredChunk{{Chunk: Chunk{ID: "x"}}, {Chunk: Chunk{ID: "x"}}, {Chunk: Chunk{ID: "y"}}})
	assert.Len(t, got, 2)
}
