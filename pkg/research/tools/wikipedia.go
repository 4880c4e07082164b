package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mikeboe/deep-research/pkg/sources"
)

type wikiResponse struct {
	Query struct {
		Pages []struct {
			Title   string `json:"title"`
			Extract string `json:"extract"`
			Missing bool   `json:"missing"`
		} `json:"pages"`
	} `json:"query"`
}

// scrapeWikipedia reads the plain-text extract of an article through the
// MediaWiki API of the same language edition.
func (s *Scraper) scrapeWikipedia(ctx context.Context, target *url.URL) (*sources.ScrapedContent, error) {
	title, err := url.PathUnescape(strings.TrimPrefix(target.Path, "/wiki/"))
	if err != nil || title == "" {
		return nil, fmt.Errorf("invalid wikipedia path %q", target.Path)
	}
	title = strings.ReplaceAll(title, "_", " ")

	params := url.Values{}
	params.Set("action", "query")
	params.Set("prop", "extracts")
	params.Set("explaintext", "1")
	params.Set("redirects", "1")
	params.Set("format", "json")
	params.Set("formatversion", "2")
	params.Set("titles", title)

	apiURL := url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/w/api.php", RawQuery: params.Encode()}
	body, _, err := s.get(ctx, apiURL.String(), "application/json", maxBodyBytes)
	if err != nil {
		return nil, err
	}

	var resp wikiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode wikipedia response: %w", err)
	}
	if len(resp.Query.Pages) == 0 || resp.Query.Pages[0].Missing {
		return nil, fmt.Errorf("wikipedia article %q not found", title)
	}

	page := resp.Query.Pages[0]
	return &sources.ScrapedContent{Title: page.Title, Text: cleanText(page.Extract)}, nil
}
