package citations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/sources"
	"github.com/mikeboe/deep-research/pkg/splitter"
)

const (
	minSentenceLen        = 20
	maxSentencesPerSource = 300
)

const confirmSystemPrompt = `You verify citations for a research report.
You are given numbered claims from the report, each followed by candidate evidence sentences from sources.
For every claim, list the evidence numbers that directly support it. Leave out evidence that is merely related.`

const confirmSchema = `{
  "type": "object",
  "properties": {
    "matches": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "claim": {"type": "integer"},
          "evidence": {"type": "array", "items": {"type": "integer"}}
        },
        "required": ["claim", "evidence"]
      }
    }
  },
  "required": ["matches"]
}`

type confirmResponse struct {
	Matches []struct {
		Claim    int   `json:"claim"`
		Evidence []int `json:"evidence"`
	} `json:"matches"`
}

type sourceSentence struct {
	doc  int
	text string
	vec  []float32
}

type claim struct {
	span       splitter.Span
	vec        []float32
	candidates []int // indexes into source sentences, best first
}

// SimilarityGrounder pairs report sentences with similar source sentences by
// embedding and lets the chat model confirm each pairing.
type SimilarityGrounder struct {
	chat      *clients.Chat
	embedder  embeddings.Embedder
	general   *limiter.Limiter
	TopN      int
	Threshold float64
	Logger    *slog.Logger
}

// NewSimilarityGrounder creates the grounder. embedder is expected to run
// under the inference limiter; ranking runs under general.
func NewSimilarityGrounder(chat *clients.Chat, embedder embeddings.Embedder, general *limiter.Limiter) *SimilarityGrounder {
	return &SimilarityGrounder{
		chat:      chat,
		embedder:  embedder,
		general:   general,
		TopN:      3,
		Threshold: 0.75,
		Logger:    slog.Default(),
	}
}

func citable(s string) bool {
	return len(s) >= minSentenceLen && !strings.HasPrefix(s, "#")
}

func (g *SimilarityGrounder) Ground(ctx context.Context, report string, docs []sources.ScrapedContent, emit func(Citation)) error {
	if len(docs) == 0 || strings.TrimSpace(report) == "" {
		return nil
	}
	out := newEmitter(emit)

	sections := splitter.Sections(report)
	claims := make([][]claim, len(sections))
	var texts []string
	for i, sec := range sections {
		for _, s := range splitter.Sentences(sec.Text) {
			if !citable(s.Text) {
				continue
			}
			s.Start += sec.Start
			s.End += sec.Start
			claims[i] = append(claims[i], claim{span: s})
			texts = append(texts, s.Text)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	var evidence []sourceSentence
	for d, doc := range docs {
		n := 0
		for _, s := range splitter.Sentences(doc.Text) {
			if !citable(s.Text) {
				continue
			}
			evidence = append(evidence, sourceSentence{doc: d, text: s.Text})
			texts = append(texts, s.Text)
			if n++; n == maxSentencesPerSource {
				break
			}
		}
	}
	if len(evidence) == 0 {
		return nil
	}

	vecs, err := g.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed sentences: %w", err)
	}
	if len(vecs) != len(texts) {
		return fmt.Errorf("embedder returned %d vectors for %d sentences", len(vecs), len(texts))
	}
	next := 0
	for i := range claims {
		for j := range claims[i] {
			claims[i][j].vec = vecs[next]
			next++
		}
	}
	for i := range evidence {
		evidence[i].vec = vecs[next]
		next++
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i := range sections {
		if len(claims[i]) == 0 {
			continue
		}
		sectionClaims := claims[i]
		eg.Go(func() error {
			if err := g.rank(ctx, sectionClaims, evidence); err != nil {
				return err
			}
			return g.confirm(ctx, sectionClaims, evidence, docs, out)
		})
	}
	return eg.Wait()
}

// rank fills each claim's candidates with the TopN most similar evidence
// sentences at or above the threshold.
func (g *SimilarityGrounder) rank(ctx context.Context, claims []claim, evidence []sourceSentence) error {
	work := func(ctx context.Context) error {
		type scored struct {
			idx int
			sim float64
		}
		for i := range claims {
			var hits []scored
			for j, e := range evidence {
				if sim := embeddings.Cosine(claims[i].vec, e.vec); sim >= g.Threshold {
					hits = append(hits, scored{j, sim})
				}
			}
			sort.SliceStable(hits, func(a, b int) bool { return hits[a].sim > hits[b].sim })
			if len(hits) > g.TopN {
				hits = hits[:g.TopN]
			}
			claims[i].candidates = claims[i].candidates[:0]
			for _, h := range hits {
				claims[i].candidates = append(claims[i].candidates, h.idx)
			}
		}
		return nil
	}
	if g.general == nil {
		return work(ctx)
	}
	return g.general.Do(ctx, work)
}

func (g *SimilarityGrounder) confirm(ctx context.Context, claims []claim, evidence []sourceSentence, docs []sources.ScrapedContent, out *emitter) error {
	var sb strings.Builder
	asked := 0
	for i, c := range claims {
		if len(c.candidates) == 0 {
			continue
		}
		asked++
		fmt.Fprintf(&sb, "Claim %d: %s\n", i+1, c.span.Text)
		for _, e := range c.candidates {
			fmt.Fprintf(&sb, "  Evidence %d: %s\n", e+1, evidence[e].text)
		}
		sb.WriteString("\n")
	}
	if asked == 0 {
		return nil
	}

	resp, err := clients.GenerateJSON[confirmResponse](ctx, g.chat, confirmSystemPrompt, sb.String(), confirmSchema, nil)
	if err != nil {
		return fmt.Errorf("citation confirmation failed: %w", err)
	}

	for _, m := range resp.Matches {
		if m.Claim < 1 || m.Claim > len(claims) {
			continue
		}
		c := claims[m.Claim-1]
		for _, ev := range m.Evidence {
			e := ev - 1
			if !containsInt(c.candidates, e) {
				continue
			}
			doc := docs[evidence[e].doc]
			out.emit(Citation{
				URL:         doc.URL,
				Title:       doc.Title,
				ContextText: evidence[e].text,
				StartIndex:  c.span.Start,
				EndIndex:    c.span.End,
			})
		}
	}
	return nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
