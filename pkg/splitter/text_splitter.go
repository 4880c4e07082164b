package splitter

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// TextSplitter cuts documents into overlapping chunks with the langchaingo
// recursive character splitter.
type TextSplitter struct {
	splitter textsplitter.TextSplitter
}

// New returns a splitter whose chunkSize and chunkOverlap are measured in
// tokens of tok, or in characters when tok is nil.
func New(chunkSize, chunkOverlap int, tok Tokenizer) *TextSplitter {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	}
	if tok != nil {
		opts = append(opts, textsplitter.WithLenFunc(tok.Count))
	}
	return &TextSplitter{splitter: textsplitter.NewRecursiveCharacter(opts...)}
}

// SplitText splits text into chunks, dropping whitespace-only ones.
func (ts *TextSplitter) SplitText(text string) ([]string, error) {
	chunks, err := ts.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}
