package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mikeboe/deep-research/pkg/sources"
)

const arxivAPIURL = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string        `xml:"id"`
	Title     string        `xml:"title"`
	Summary   string        `xml:"summary"`
	Published string        `xml:"published"`
	Authors   []ArxivAuthor `xml:"author"`
	Link      []ArxivLink   `xml:"link"`
}

type ArxivAuthor struct {
	Name string `xml:"name"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// AbsURL returns the abstract page of the entry.
func (e ArxivEntry) AbsURL() string {
	for _, link := range e.Link {
		if link.Rel == "alternate" && link.Href != "" {
			return link.Href
		}
	}
	return strings.TrimSpace(e.ID)
}

func fetchArxivFeed(ctx context.Context, client *http.Client, apiURL string, params url.Values) (*ArxivFeed, error) {
	apiURL = apiURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned non-200 status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}
	return &feed, nil
}

// ArxivSearch queries the arXiv API. It ignores domain restrictions.
type ArxivSearch struct {
	APIURL string
	Client *http.Client
	Logger *slog.Logger
}

func NewArxivSearch(client *http.Client) *ArxivSearch {
	if client == nil {
		client = http.DefaultClient
	}
	return &ArxivSearch{APIURL: arxivAPIURL, Client: client, Logger: slog.Default()}
}

func (a *ArxivSearch) Search(ctx context.Context, query string, maxResults int, _ []string) ([]sources.SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(maxResults))
	params.Add("start", "0")

	feed, err := fetchArxivFeed(ctx, a.Client, a.APIURL, params)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("arXiv search completed", "query", query, "count", len(feed.Entry))

	results := make([]sources.SearchResult, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		if len(results) == maxResults {
			break
		}
		link := entry.AbsURL()
		if link == "" {
			continue
		}
		results = append(results, sources.SearchResult{
			Title:   collapseSpace(entry.Title),
			URL:     link,
			Snippet: collapseSpace(entry.Summary),
		})
	}
	return results, nil
}

// scrapeArxiv turns an arxiv.org page into the paper's metadata and abstract.
func (s *Scraper) scrapeArxiv(ctx context.Context, target *url.URL) (*sources.ScrapedContent, error) {
	id := arxivID(target.Path)
	if id == "" {
		return s.scrapeHTML(ctx, target)
	}

	params := url.Values{}
	params.Add("id_list", id)
	feed, err := fetchArxivFeed(ctx, s.client, s.cfg.ArxivAPIURL, params)
	if err != nil {
		return nil, err
	}
	if len(feed.Entry) == 0 {
		return nil, fmt.Errorf("no arXiv entry for %s", id)
	}

	entry := feed.Entry[0]
	var sb strings.Builder
	sb.WriteString(collapseSpace(entry.Title))
	sb.WriteString("\n\n")
	if len(entry.Authors) > 0 {
		names := make([]string, 0, len(entry.Authors))
		for _, a := range entry.Authors {
			names = append(names, a.Name)
		}
		sb.WriteString("Authors: " + strings.Join(names, ", ") + "\n")
	}
	if entry.Published != "" {
		sb.WriteString("Published: " + entry.Published + "\n")
	}
	sb.WriteString("\n")
	sb.WriteString(collapseSpace(entry.Summary))

	return &sources.ScrapedContent{Title: collapseSpace(entry.Title), Text: sb.String()}, nil
}

// arxivID extracts the identifier from /abs/<id> or /pdf/<id> paths.
func arxivID(p string) string {
	for _, prefix := range []string{"/abs/", "/pdf/"} {
		if strings.HasPrefix(p, prefix) {
			id := strings.TrimPrefix(p, prefix)
			id = strings.TrimSuffix(id, ".pdf")
			return strings.Trim(id, "/")
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
