package splitter

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Span is a piece of a larger text with its byte offsets, so that
// text[Start:End] == Text.
type Span struct {
	Text  string
	Start int
	End   int
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

var abbreviations = map[string]bool{
	"e.g": true, "i.e": true, "etc": true, "vs": true, "al": true, "dr": true,
	"mr": true, "mrs": true, "ms": true, "prof": true, "fig": true, "no": true,
	"approx": true, "cf": true, "st": true,
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»':
		return true
	}
	return false
}

func isTerminal(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func trimmedSpan(text string, start, end int) (Span, bool) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	if start == end {
		return Span{}, false
	}
	return Span{Text: text[start:end], Start: start, End: end}, true
}

func isHeading(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "#")
}

// Sections splits markdown into blocks that start at each heading. Text
// without headings is split into paragraphs instead.
func Sections(text string) []Span {
	var spans []Span
	add := func(start, end int) {
		if s, ok := trimmedSpan(text, start, end); ok {
			spans = append(spans, s)
		}
	}

	start := 0
	for offset := 0; offset < len(text); {
		lineEnd := len(text)
		if nl := strings.IndexByte(text[offset:], '\n'); nl >= 0 {
			lineEnd = offset + nl
		}
		if isHeading(text[offset:lineEnd]) && offset > start {
			add(start, offset)
			start = offset
		}
		offset = lineEnd + 1
	}
	add(start, len(text))

	if len(spans) <= 1 {
		return Paragraphs(text)
	}
	return spans
}

// Paragraphs splits text on blank lines.
func Paragraphs(text string) []Span {
	var spans []Span
	start := 0
	for _, loc := range paragraphBreak.FindAllStringIndex(text, -1) {
		if s, ok := trimmedSpan(text, start, loc[0]); ok {
			spans = append(spans, s)
		}
		start = loc[1]
	}
	if s, ok := trimmedSpan(text, start, len(text)); ok {
		spans = append(spans, s)
	}
	return spans
}

// Sentences splits text into sentences. Every line break also ends a
// sentence, which keeps headings and list items separate.
func Sentences(text string) []Span {
	var spans []Span
	add := func(start, end int) {
		if s, ok := trimmedSpan(text, start, end); ok {
			spans = append(spans, s)
		}
	}

	for lineStart := 0; lineStart < len(text); {
		lineEnd := len(text)
		if nl := strings.IndexByte(text[lineStart:], '\n'); nl >= 0 {
			lineEnd = lineStart + nl
		}

		start := lineStart
		for j := lineStart; j < lineEnd; j++ {
			if !isTerminal(text[j]) {
				continue
			}
			k := j + 1
			for k < lineEnd && isTerminal(text[k]) {
				k++
			}
			for k < lineEnd {
				r, size := utf8.DecodeRuneInString(text[k:lineEnd])
				if !isCloser(r) {
					break
				}
				k += size
			}
			if k < lineEnd && text[k] != ' ' && text[k] != '\t' {
				continue
			}
			if text[j] == '.' && (isAbbreviation(text[start:j]) || continuesLowercase(text[k:lineEnd])) {
				continue
			}
			add(start, k)
			start = k
			j = k - 1
		}
		add(start, lineEnd)
		lineStart = lineEnd + 1
	}
	return spans
}

func isAbbreviation(before string) bool {
	fields := strings.Fields(before)
	if len(fields) == 0 {
		return false
	}
	word := strings.ToLower(strings.TrimLeft(fields[len(fields)-1], "(\"'"))
	if abbreviations[word] {
		return true
	}
	// single letters such as initials
	return utf8.RuneCountInString(word) == 1 && unicode.IsLetter([]rune(word)[0])
}

func continuesLowercase(rest string) bool {
	rest = strings.TrimLeft(rest, " \t")
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsLower(r)
}

// EndsWithTerminal reports whether s ends in '.', '!' or '?', optionally
// followed by closing quotes or brackets.
func EndsWithTerminal(s string) bool {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	for s != "" {
		r, size := utf8.DecodeLastRuneInString(s)
		if !isCloser(r) {
			break
		}
		s = s[:len(s)-size]
	}
	return s != "" && isTerminal(s[len(s)-1])
}
