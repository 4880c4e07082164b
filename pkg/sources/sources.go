package sources

import (
	"net/url"
	"strings"
	"sync"
)

// SearchResult represents a single search result
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ScrapedContent is the extracted text of one fetched page.
type ScrapedContent struct {
	URL    string   `json:"url"`
	Title  string   `json:"title"`
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// NormalizeURL drops the fragment and a trailing slash so that trivially
// different spellings of one page share a key.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	s := u.String()
	if u.RawQuery == "" && strings.HasSuffix(s, "/") && u.Path != "/" {
		s = strings.TrimSuffix(s, "/")
	}
	return s
}

// ResultSet is the deduplicated collection of search results found during a
// run. Insertion order is kept.
type ResultSet struct {
	mu    sync.Mutex
	order []string
	byURL map[string]SearchResult
}

func NewResultSet() *ResultSet {
	return &ResultSet{byURL: make(map[string]SearchResult)}
}

// Add stores r unless a result with the same URL is already present. It
// reports whether r was new.
func (s *ResultSet) Add(r SearchResult) bool {
	if r.URL == "" {
		return false
	}
	key := NormalizeURL(r.URL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byURL[key]; ok {
		return false
	}
	s.byURL[key] = r
	s.order = append(s.order, key)
	return true
}

// AddAll adds every result and returns the ones that were new.
func (s *ResultSet) AddAll(results []SearchResult) []SearchResult {
	var added []SearchResult
	for _, r := range results {
		if s.Add(r) {
			added = append(added, r)
		}
	}
	return added
}

func (s *ResultSet) List() []SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SearchResult, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byURL[k])
	}
	return out
}

func (s *ResultSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ContentSet tracks scraped content per URL along with every URL that was
// attempted, so failed URLs are not retried within a run.
type ContentSet struct {
	mu        sync.Mutex
	order     []string
	byURL     map[string]ScrapedContent
	attempted map[string]struct{}
}

func NewContentSet() *ContentSet {
	return &ContentSet{
		byURL:     make(map[string]ScrapedContent),
		attempted: make(map[string]struct{}),
	}
}

// Claim marks rawURL as attempted. It returns false if the URL was already
// claimed by an earlier caller.
func (s *ContentSet) Claim(rawURL string) bool {
	key := NormalizeURL(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempted[key]; ok {
		return false
	}
	s.attempted[key] = struct{}{}
	return true
}

// Add stores c and reports whether it was new.
func (s *ContentSet) Add(c ScrapedContent) bool {
	key := NormalizeURL(c.URL)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempted[key] = struct{}{}
	if _, ok := s.byURL[key]; ok {
		return false
	}
	s.byURL[key] = c
	s.order = append(s.order, key)
	return true
}

func (s *ContentSet) List() []ScrapedContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScrapedContent, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byURL[k])
	}
	return out
}

func (s *ContentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
