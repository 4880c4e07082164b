package embeddings

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-research/pkg/limiter"
)

const (
	DefaultDimensions = 1536
	DefaultBatchSize  = 64
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Throttled splits requests into batches and runs each batch under the
// inference limiter.
type Throttled struct {
	inner     Embedder
	limiter   *limiter.Limiter
	batchSize int
}

func NewThrottled(inner Embedder, inference *limiter.Limiter, batchSize int) *Throttled {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Throttled{inner: inner, limiter: inference, batchSize: batchSize}
}

func (t *Throttled) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)

	for start := 0; start < len(texts); start += t.batchSize {
		start, end := start, min(start+t.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := limiter.Run(ctx, t.limiter, func(ctx context.Context) ([][]float32, error) {
				return t.inner.EmbedTexts(ctx, texts[start:end])
			})
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
