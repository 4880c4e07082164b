package tools

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/mikeboe/deep-research/pkg/sources"
)

const maxImages = 10

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t\r\f\v]{2,}`)
)

var skippedElements = map[string]bool{
	"script": true, "style": true, "nav": true, "footer": true, "header": true,
	"aside": true, "noscript": true, "form": true, "iframe": true, "svg": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "br": true, "tr": true, "table": true,
	"blockquote": true, "pre": true, "figcaption": true, "dd": true, "dt": true,
}

func (s *Scraper) scrapeHTML(ctx context.Context, target *url.URL) (*sources.ScrapedContent, error) {
	body, contentType, err := s.get(ctx, target.String(), "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", maxBodyBytes)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(contentType, "application/pdf"):
		text, err := pdfText(body)
		if err != nil {
			return nil, err
		}
		return &sources.ScrapedContent{Text: text}, nil
	case strings.Contains(contentType, "text/plain"), strings.Contains(contentType, "text/markdown"):
		return &sources.ScrapedContent{Text: cleanText(string(body))}, nil
	}

	return extractPage(body, target)
}

// extractPage pulls the title, main text and image links out of an HTML
// document. article or main elements are preferred over the whole body.
func extractPage(body []byte, base *url.URL) (*sources.ScrapedContent, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	title := ""
	if n := findElement(doc, "title"); n != nil {
		title = collapseSpace(textContent(n))
	}
	if title == "" {
		if n := findElement(doc, "h1"); n != nil {
			title = collapseSpace(textContent(n))
		}
	}

	root := findElement(doc, "article")
	if root == nil {
		root = findElement(doc, "main")
	}
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	var images []string
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(collapseSpace(text))
				sb.WriteString(" ")
			}
			return
		case html.ElementNode:
			if skippedElements[n.Data] {
				return
			}
			if n.Data == "img" {
				if src := resolveImage(base, getAttr(n, "src")); src != "" && !seen[src] && len(images) < maxImages {
					seen[src] = true
					images = append(images, src)
				}
				return
			}
			if blockElements[n.Data] {
				sb.WriteString("\n\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteString("\n\n")
		}
	}
	walk(root)

	return &sources.ScrapedContent{
		Title:  title,
		Text:   cleanText(sb.String()),
		Images: images,
	}, nil
}

func resolveImage(base *url.URL, src string) string {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var get func(*html.Node)
	get = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			get(c)
		}
	}
	get(n)
	return strings.TrimSpace(sb.String())
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// cleanText collapses runs of blank lines and spaces.
func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
