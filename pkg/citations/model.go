package citations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/sources"
	"github.com/mikeboe/deep-research/pkg/splitter"
)

const modelSystemPrompt = `You are a meticulous fact checker.
You are given one section of a research report and a numbered list of sources.
Find the sentences of the section that are directly supported by a source.
For each, return the exact sentence copied verbatim from the section, the number of the supporting source and a short quote from that source as evidence.
Only cite complete sentences. Do not cite headings. Return an empty list if nothing is supported.`

const modelSchema = `{
  "type": "object",
  "properties": {
    "citations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "source": {"type": "integer", "description": "Number of the supporting source"},
          "text": {"type": "string", "description": "Exact sentence from the section"},
          "quote": {"type": "string", "description": "Supporting quote from the source"}
        },
        "required": ["source", "text", "quote"]
      }
    }
  },
  "required": ["citations"]
}`

type modelResponse struct {
	Citations []struct {
		Source int    `json:"source"`
		Text   string `json:"text"`
		Quote  string `json:"quote"`
	} `json:"citations"`
}

// ModelGrounder asks the chat model to pick supported sentences section by
// section.
type ModelGrounder struct {
	chat           *clients.Chat
	MaxSourceChars int
	Logger         *slog.Logger
}

func NewModelGrounder(chat *clients.Chat) *ModelGrounder {
	return &ModelGrounder{chat: chat, MaxSourceChars: 4000, Logger: slog.Default()}
}

func (g *ModelGrounder) Ground(ctx context.Context, report string, docs []sources.ScrapedContent, emit func(Citation)) error {
	if len(docs) == 0 || strings.TrimSpace(report) == "" {
		return nil
	}
	out := newEmitter(emit)
	sourceList := formatSources(docs, g.MaxSourceChars)

	eg, ctx := errgroup.WithContext(ctx)
	for _, section := range splitter.Sections(report) {
		eg.Go(func() error {
			return g.groundSection(ctx, section, docs, sourceList, out)
		})
	}
	return eg.Wait()
}

func (g *ModelGrounder) groundSection(ctx context.Context, section splitter.Span, docs []sources.ScrapedContent, sourceList string, out *emitter) error {
	prompt := fmt.Sprintf("# Sources\n\n%s\n# Section\n\n%s", sourceList, section.Text)

	resp, err := clients.GenerateJSON[modelResponse](ctx, g.chat, modelSystemPrompt, prompt, modelSchema, nil)
	if err != nil {
		return fmt.Errorf("citation generation failed: %w", err)
	}

	for _, c := range resp.Citations {
		if c.Source < 1 || c.Source > len(docs) {
			g.Logger.Debug("Dropping citation with unknown source", "source", c.Source)
			continue
		}
		text := strings.TrimSpace(c.Text)
		if text == "" || !splitter.EndsWithTerminal(text) {
			continue
		}
		idx := strings.Index(section.Text, text)
		if idx < 0 {
			g.Logger.Debug("Citation text not found in section", "text", text)
			continue
		}

		doc := docs[c.Source-1]
		out.emit(Citation{
			URL:         doc.URL,
			Title:       doc.Title,
			ContextText: strings.TrimSpace(c.Quote),
			StartIndex:  section.Start + idx,
			EndIndex:    section.Start + idx + len(text),
		})
	}
	return nil
}
