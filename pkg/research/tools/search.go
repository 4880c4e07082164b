package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/mikeboe/deep-research/pkg/sources"
)

// SearchProvider finds candidate pages for a query. domains, when non-empty,
// restricts results to those sites where the provider supports it.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int, domains []string) ([]sources.SearchResult, error)
}

const duckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo searches the web through the DuckDuckGo HTML endpoint, which
// needs no API key.
type DuckDuckGo struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
}

func NewDuckDuckGo(client *http.Client) *DuckDuckGo {
	if client == nil {
		client = http.DefaultClient
	}
	return &DuckDuckGo{
		BaseURL:   duckDuckGoURL,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Client:    client,
		Logger:    slog.Default(),
	}
}

func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int, domains []string) ([]sources.SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	q := withSiteFilter(query, domains)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"?q="+url.QueryEscape(q), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", d.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	results, err := parseDuckDuckGoResults(string(body), maxResults)
	if err != nil {
		return nil, err
	}
	d.Logger.Info("Web search completed", "query", q, "count", len(results))
	return results, nil
}

func withSiteFilter(query string, domains []string) string {
	var sites []string
	for _, d := range domains {
		d = strings.TrimSpace(d)
		if d != "" {
			sites = append(sites, "site:"+d)
		}
	}
	switch len(sites) {
	case 0:
		return query
	case 1:
		return query + " " + sites[0]
	default:
		return query + " (" + strings.Join(sites, " OR ") + ")"
	}
}

// parseDuckDuckGoResults extracts search results from DuckDuckGo HTML.
func parseDuckDuckGoResults(htmlContent string, maxResults int) ([]sources.SearchResult, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var results []sources.SearchResult
	var findResults func(*html.Node)
	findResults = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := getAttr(n, "class")
			if strings.Contains(class, "result") && strings.Contains(class, "results_links") {
				r := extractResult(n)
				if r.URL != "" && r.Title != "" {
					results = append(results, r)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			findResults(c)
		}
	}
	findResults(doc)
	return results, nil
}

func extractResult(n *html.Node) sources.SearchResult {
	var result sources.SearchResult

	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := getAttr(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				result.URL = getAttr(n, "href")
				result.Title = collapseSpace(textContent(n))
			case strings.Contains(class, "result__snippet"):
				result.Snippet = collapseSpace(textContent(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)

	result.URL = unwrapRedirect(result.URL)
	return result
}

// unwrapRedirect resolves DuckDuckGo's //duckduckgo.com/l/?uddg= links to
// the target URL.
func unwrapRedirect(href string) string {
	if !strings.Contains(href, "duckduckgo.com/l/") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
