package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/sources"
)

var (
	ErrContentTooShort = errors.New("content too short")
	ErrQuotaReached    = errors.New("scrape quota reached")
	ErrDisallowed      = errors.New("disallowed by robots.txt")
)

const (
	DefaultMinContentLength = 200
	DefaultMaxContentLength = 15000
	DefaultScrapeTimeout    = 30 * time.Second
	DefaultUserAgent        = "deep-research/1.0 (+https://github.com/mikeboe/deep-research)"

	maxBodyBytes = 10 << 20
	maxPDFBytes  = 32 << 20
)

// RobotsChecker decides whether a URL may be fetched.
type RobotsChecker interface {
	CanFetch(ctx context.Context, rawURL, userAgent string) bool
}

type ScraperConfig struct {
	UserAgent        string
	Timeout          time.Duration
	MinContentLength int
	MaxContentLength int
	Quota            int // successful extractions allowed per scraper, <= 0 is unlimited
	MistralAPIKey    string
	MistralOCRURL    string
	ArxivAPIURL      string
}

// strategy fetches one kind of page and returns its raw content.
type strategy func(ctx context.Context, target *url.URL) (*sources.ScrapedContent, error)

type route struct {
	name  string
	match func(u *url.URL) bool
	fetch strategy
}

// Scraper extracts readable text from URLs. Each extraction runs under the
// general limiter with its own timeout.
type Scraper struct {
	cfg     ScraperConfig
	client  *http.Client
	limiter *limiter.Limiter
	robots  RobotsChecker
	routes  []route

	mu        sync.Mutex
	succeeded int

	OnSource func(content sources.ScrapedContent)
	Logger   *slog.Logger
}

// NewScraper creates a scraper. robots may be nil to skip robots.txt checks.
func NewScraper(cfg ScraperConfig, client *http.Client, general *limiter.Limiter, robots RobotsChecker) *Scraper {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultScrapeTimeout
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = DefaultMinContentLength
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.MistralOCRURL == "" {
		cfg.MistralOCRURL = mistralOCRURL
	}
	if cfg.ArxivAPIURL == "" {
		cfg.ArxivAPIURL = arxivAPIURL
	}

	s := &Scraper{
		cfg:     cfg,
		client:  client,
		limiter: general,
		robots:  robots,
		Logger:  slog.Default(),
	}
	s.routes = []route{
		{name: "pdf", match: isPDF, fetch: s.scrapePDF},
		{name: "arxiv", match: isArxiv, fetch: s.scrapeArxiv},
		{name: "wikipedia", match: isWikipedia, fetch: s.scrapeWikipedia},
		{name: "html", match: func(*url.URL) bool { return true }, fetch: s.scrapeHTML},
	}
	return s
}

func isPDF(u *url.URL) bool {
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

func isArxiv(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == "arxiv.org" || strings.HasSuffix(host, ".arxiv.org")
}

func isWikipedia(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return (host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org")) && strings.HasPrefix(u.Path, "/wiki/")
}

// Succeeded returns how many extractions have completed successfully.
func (s *Scraper) Succeeded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded
}

func (s *Scraper) quotaReached() bool {
	if s.cfg.Quota <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded >= s.cfg.Quota
}

// recordSuccess counts one extraction unless the quota was filled by a
// concurrent caller in the meantime.
func (s *Scraper) recordSuccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Quota > 0 && s.succeeded >= s.cfg.Quota {
		return false
	}
	s.succeeded++
	return true
}

// Extract fetches rawURL with the first matching strategy and applies the
// length policy. Too-short pages return ErrContentTooShort.
func (s *Scraper) Extract(ctx context.Context, rawURL string) (*sources.ScrapedContent, error) {
	if s.quotaReached() {
		return nil, ErrQuotaReached
	}

	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	run := func(ctx context.Context) (*sources.ScrapedContent, error) {
		if s.quotaReached() {
			return nil, ErrQuotaReached
		}
		if s.robots != nil && !s.robots.CanFetch(ctx, rawURL, s.cfg.UserAgent) {
			return nil, ErrDisallowed
		}

		ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		r := s.routeFor(target)
		s.Logger.Debug("Scraping", "url", rawURL, "strategy", r.name)
		content, err := r.fetch(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("%s scrape of %s: %w", r.name, rawURL, err)
		}
		return s.finish(rawURL, content)
	}

	if s.limiter == nil {
		return run(ctx)
	}
	return limiter.Run(ctx, s.limiter, run)
}

func (s *Scraper) routeFor(u *url.URL) route {
	for _, r := range s.routes {
		if r.match(u) {
			return r
		}
	}
	return s.routes[len(s.routes)-1]
}

func (s *Scraper) finish(rawURL string, content *sources.ScrapedContent) (*sources.ScrapedContent, error) {
	content.URL = rawURL
	content.Text = strings.TrimSpace(content.Text)
	content.Title = strings.TrimSpace(content.Title)

	if n := utf8.RuneCountInString(content.Text); n < s.cfg.MinContentLength {
		s.Logger.Debug("Dropping short content", "url", rawURL, "length", n)
		return nil, ErrContentTooShort
	}
	content.Text = truncateRunes(content.Text, s.cfg.MaxContentLength)

	if !s.recordSuccess() {
		return nil, ErrQuotaReached
	}
	if s.OnSource != nil {
		s.OnSource(*content)
	}
	return content, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// get performs a GET with the scraper's user agent and returns the body,
// capped at limit bytes, and the content type.
func (s *Scraper) get(ctx context.Context, rawURL, accept string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
