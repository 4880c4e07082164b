package splitter

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// Tokenizer counts tokens in a string.
type Tokenizer interface {
	Count(text string) int
}

// TikToken counts tokens with a BPE encoding. Load it once at startup and
// share it; loading may download the encoding file.
type TikToken struct {
	enc *tiktoken.Tiktoken
}

func LoadTokenizer(encoding string) (*TikToken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", encoding, err)
	}
	return &TikToken{enc: enc}, nil
}

func (t *TikToken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens.
func (t *TikToken) Truncate(text string, maxTokens int) string {
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.enc.Decode(tokens[:maxTokens])
}
