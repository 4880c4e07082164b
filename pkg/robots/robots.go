package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/mikeboe/deep-research/pkg/cache"
)

const (
	DefaultTTL          = 7 * 24 * time.Hour
	DefaultFetchTimeout = 5 * time.Second
	maxRobotsBytes      = 512 * 1024
)

var (
	allowAll, _    = robotstxt.FromString("")
	disallowAll, _ = robotstxt.FromString("User-agent: *\nDisallow: /\n")
)

type entry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Gate answers whether a URL may be fetched, caching robots.txt per host.
type Gate struct {
	client       *http.Client
	cache        *cache.Cache[string, entry]
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

type Option func(*Gate)

func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) { g.ttl = ttl }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(g *Gate) { g.fetchTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func withClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate that stores up to cacheSize robots.txt documents.
func NewGate(client *http.Client, cacheSize int, opts ...Option) (*Gate, error) {
	if client == nil {
		client = http.DefaultClient
	}
	c, err := cache.New[string, entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create robots cache: %w", err)
	}
	g := &Gate{
		client:       client,
		cache:        c,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// CanFetch reports whether userAgent may fetch rawURL. Unparseable URLs are
// denied; unreachable hosts are allowed.
func (g *Gate) CanFetch(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		g.logger.Debug("Robots check rejected invalid URL", "url", rawURL)
		return false
	}

	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	data := g.lookup(ctx, robotsURL)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.TestAgent(path, userAgent)
}

func (g *Gate) lookup(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	if e, ok := g.cache.Get(robotsURL); ok && g.now().Sub(e.fetchedAt) < g.ttl {
		return e.data
	}

	data := g.fetch(ctx, robotsURL)
	g.cache.Set(robotsURL, entry{data: data, fetchedAt: g.now()})
	return data
}

func (g *Gate) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	ctx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return allowAll
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Debug("Robots fetch failed, allowing", "url", robotsURL, "error", err)
		return allowAll
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
		if err != nil {
			return allowAll
		}
		data, err := robotstxt.FromBytes(body)
		if err != nil {
			g.logger.Debug("Robots parse failed, allowing", "url", robotsURL, "error", err)
			return allowAll
		}
		return data
	case http.StatusUnauthorized, http.StatusForbidden:
		return disallowAll
	default:
		return allowAll
	}
}
