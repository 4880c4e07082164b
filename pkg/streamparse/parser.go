// Package streamparse extracts the contents of XML-like tags from a token
// stream as it arrives.
package streamparse

import (
	"strings"
	"unicode/utf8"
)

// Event is a piece of text found inside Tag.
type Event struct {
	Tag  string
	Text string
}

// Parser is a state machine over streamed tokens. Text outside the
// configured tags is discarded. It is not safe for concurrent use.
type Parser struct {
	tags      []string
	maxOpen   int
	buf       string
	current   string // tag being read, empty when outside any tag
	endMarker string
}

// New creates a parser for the given tag names, e.g. "think", "response".
func New(tags ...string) *Parser {
	p := &Parser{tags: tags}
	for _, t := range tags {
		if n := len(t) + 2; n > p.maxOpen {
			p.maxOpen = n
		}
	}
	return p
}

// Feed consumes the next token and returns any text that is now known to
// belong to a tag.
func (p *Parser) Feed(token string) []Event {
	p.buf += token
	var events []Event

	for {
		if p.current == "" {
			tag, idx := p.findStart()
			if idx < 0 {
				// keep only what could still be the start of an opening tag
				if keep := p.maxOpen - 1; len(p.buf) > keep {
					p.buf = p.buf[len(p.buf)-keep:]
				}
				return events
			}
			p.buf = p.buf[idx+len(tag)+2:]
			p.current = tag
			p.endMarker = "</" + tag + ">"
			continue
		}

		if idx := strings.Index(p.buf, p.endMarker); idx >= 0 {
			if idx > 0 {
				events = append(events, Event{Tag: p.current, Text: p.buf[:idx]})
			}
			p.buf = p.buf[idx+len(p.endMarker):]
			p.current = ""
			continue
		}

		// emit all but a lookahead that may hold a partial end tag
		safe := len(p.buf) - (len(p.endMarker) - 1)
		for safe > 0 && safe < len(p.buf) && !utf8.RuneStart(p.buf[safe]) {
			safe--
		}
		if safe > 0 {
			events = append(events, Event{Tag: p.current, Text: p.buf[:safe]})
			p.buf = p.buf[safe:]
		}
		return events
	}
}

// Flush returns text left inside an unterminated tag and resets the parser.
func (p *Parser) Flush() []Event {
	var events []Event
	if p.current != "" && p.buf != "" {
		events = append(events, Event{Tag: p.current, Text: p.buf})
	}
	p.buf = ""
	p.current = ""
	p.endMarker = ""
	return events
}

// findStart returns the earliest complete opening tag in the buffer.
func (p *Parser) findStart() (string, int) {
	bestTag, best := "", -1
	for _, t := range p.tags {
		if i := strings.Index(p.buf, "<"+t+">"); i >= 0 && (best < 0 || i < best) {
			bestTag, best = t, i
		}
	}
	return bestTag, best
}

// Collect runs text through a fresh parser and concatenates the text of each
// tag.
func Collect(text string, tags ...string) map[string]string {
	p := New(tags...)
	out := make(map[string]string)
	for _, e := range append(p.Feed(text), p.Flush()...) {
		out[e.Tag] += e.Text
	}
	return out
}
