package streamparse

import (
	"math/rand"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "preamble noise <think>Weighing the sources… neutron stars</think> between " +
	"<response>## Neutron Stars\nThey are dense: ~10¹⁷ kg/m³. Ünïcödé ok.</response> trailing"

func feedAll(p *Parser, chunks []string) map[string]string {
	out := map[string]string{}
	for _, c := range chunks {
		for _, e := range p.Feed(c) {
			out[e.Tag] += e.Text
		}
	}
	for _, e := range p.Flush() {
		out[e.Tag] += e.Text
	}
	return out
}

func TestFeed_WholeInput(t *testing.T) {
	got := feedAll(New("think", "response"), []string{sample})
	assert.Equal(t, "Weighing the sources… neutron stars", got["think"])
	assert.Equal(t, "## Neutron Stars\nThey are dense: ~10¹⁷ kg/m³. Ünïcödé ok.", got["response"])
	assert.NotContains(t, got, "")
}

func TestFeed_ChunkingInvariant(t *testing.T) {
	want := feedAll(New("think", "response"), []string{sample})

	// byte-at-a-time, including splits inside multi-byte runes
	var bytesChunks []string
	for i := 0; i < len(sample); i++ {
		bytesChunks = append(bytesChunks, sample[i:i+1])
	}
	assert.Equal(t, want, feedAll(New("think", "response"), bytesChunks))

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		var chunks []string
		for i := 0; i < len(sample); {
			n := 1 + rng.Intn(12)
			if i+n > len(sample) {
				n = len(sample) - i
			}
			chunks = append(chunks, sample[i:i+n])
			i += n
		}
		require.Equal(t, want, feedAll(New("think", "response"), chunks), "trial %d", trial)
	}
}

func TestFeed_EmittedTextIsValidUTF8(t *testing.T) {
	p := New("response")
	input := "<response>ñandú ü 漢字 and more text</response>"
	for i := 0; i < len(input); i++ {
		for _, e := range p.Feed(input[i : i+1]) {
			assert.True(t, utf8.ValidString(e.Text), "%q", e.Text)
		}
	}
}

func TestFeed_StreamsBeforeEndTag(t *testing.T) {
	p := New("response")
	events := p.Feed("<response>Hello world, this is streaming")
	require.NotEmpty(t, events)
	assert.Equal(t, "response", events[0].Tag)
	// the last len("</response>")-1 bytes are held back
	assert.Equal(t, "Hello world, this is", events[0].Text)
}

func TestFeed_PartialEndTagIsNotEmitted(t *testing.T) {
	p := New("response")
	var got string
	for _, tok := range []string{"<response>abc</res", "ponse>"} {
		for _, e := range p.Feed(tok) {
			got += e.Text
		}
	}
	assert.Equal(t, "abc", got)
	assert.Empty(t, p.Flush())
}

func TestFlush_UnterminatedTag(t *testing.T) {
	p := New("response")
	var got string
	for _, e := range p.Feed("<response>cut off mid") {
		got += e.Text
	}
	for _, e := range p.Flush() {
		got += e.Text
	}
	assert.Equal(t, "cut off mid", got)
}

func TestFeed_UntaggedInputYieldsNothing(t *testing.T) {
	got := feedAll(New("think", "response"), []string{"just plain ", "text with <b>html</b>"})
	assert.Empty(t, got)
}

func TestCollect(t *testing.T) {
	got := Collect(sample, "response")
	assert.Equal(t, map[string]string{"response": "## Neutron Stars\nThey are dense: ~10¹⁷ kg/m³. Ünïcödé ok."}, got)
}
