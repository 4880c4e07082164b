package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/limiter"
	"github.com/mikeboe/deep-research/pkg/sources"
)

// rewriteTransport sends every request to the test server, keeping the path
// and query so handlers can dispatch on them.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("X-Original-Host", req.URL.Host)
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func newTestClient(t *testing.T, handler http.Handler) *http.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &http.Client{Transport: rewriteTransport{target: u}}
}

var longParagraph = strings.Repeat("Neutron stars are the collapsed cores of massive stars. ", 10)

const articlePage = `<!doctype html>
<html><head><title>Neutron Stars</title><script>var x = "tracking";</script></head>
<body>
<header>Site header</header>
<nav>Home | About</nav>
<article>
<h1>Neutron Stars</h1>
<p>%s</p>
<img src="/img/pulsar.png" alt="pulsar">
<img src="data:image/png;base64,AAAA">
<aside>Related links</aside>
</article>
<footer>Copyright</footer>
</body></html>`

func scraperHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, articlePage, longParagraph)
	})
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body><p>Too short.</p></body></html>")
	})
	mux.HandleFunc("/unicode", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, strings.Repeat("ñ", 500))
	})
	mux.HandleFunc("/page/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body><main><p>%s</p></main></body></html>", longParagraph)
	})
	mux.HandleFunc("/w/api.php", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "query" || q.Get("prop") != "extracts" || q.Get("titles") != "Neutron star" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"query":{"pages":[{"title":"Neutron star","extract":%q}]}}`, longParagraph)
	})
	mux.HandleFunc("/api/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		if id := r.URL.Query().Get("id_list"); id != "" {
			fmt.Fprintf(w, `<feed xmlns="http://www.w3.org/2005/Atom"><entry>
<id>http://arxiv.org/abs/%s</id><title>Pulsar Timing
  Arrays</title><summary>%s</summary><published>2021-01-01T00:00:00Z</published>
<author><name>Ada Lovelace</name></author>
<link href="http://arxiv.org/abs/%s" rel="alternate" type="text/html"/>
</entry></feed>`, id, longParagraph, id)
			return
		}
		io.WriteString(w, `<feed xmlns="http://www.w3.org/2005/Atom">
<entry><id>http://arxiv.org/abs/1111.0001v1</id><title>First</title><summary>one</summary>
<link href="http://arxiv.org/abs/1111.0001v1" rel="alternate" type="text/html"/>
<link href="http://arxiv.org/pdf/1111.0001v1" rel="related" type="application/pdf"/></entry>
<entry><id>http://arxiv.org/abs/1111.0002v1</id><title>Second</title><summary>two</summary></entry>
</feed>`)
	})
	mux.HandleFunc("/v1/ocr", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"pages":[{"index":0,"markdown":%q}]}`, "# Paper\n\n"+longParagraph)
	})
	mux.HandleFunc("/broken.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		io.WriteString(w, "not really a pdf")
	})
	return mux
}

type denyRobots struct{}

func (denyRobots) CanFetch(context.Context, string, string) bool { return false }

func newTestScraper(t *testing.T, cfg ScraperConfig) *Scraper {
	t.Helper()
	client := newTestClient(t, scraperHandler())
	general := limiter.New(limiter.Config{Name: "general", MaxConcurrent: 4})
	return NewScraper(cfg, client, general, nil)
}

func TestExtract_HTMLStripsBoilerplate(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{})

	var added []sources.ScrapedContent
	s.OnSource = func(c sources.ScrapedContent) { added = append(added, c) }

	c, err := s.Extract(context.Background(), "https://example.com/article")
	require.NoError(t, err)

	assert.Equal(t, "Neutron Stars", c.Title)
	assert.Equal(t, "https://example.com/article", c.URL)
	assert.Contains(t, c.Text, "collapsed cores")
	for _, junk := range []string{"tracking", "Site header", "Home | About", "Related links", "Copyright"} {
		assert.NotContains(t, c.Text, junk)
	}
	assert.Equal(t, []string{"https://example.com/img/pulsar.png"}, c.Images)
	require.Len(t, added, 1)
	assert.Equal(t, 1, s.Succeeded())
}

func TestExtract_ShortContentIsDropped(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{})
	called := false
	s.OnSource = func(sources.ScrapedContent) { called = true }

	_, err := s.Extract(context.Background(), "https://example.com/short")
	assert.ErrorIs(t, err, ErrContentTooShort)
	assert.False(t, called)
	assert.Equal(t, 0, s.Succeeded())
}

func TestExtract_TruncatesToRuneLimit(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{MaxContentLength: 300})

	c, err := s.Extract(context.Background(), "https://example.com/unicode")
	require.NoError(t, err)
	assert.Equal(t, 300, utf8.RuneCountInString(c.Text))
	assert.True(t, utf8.ValidString(c.Text))
}

func TestExtract_QuotaStopsFurtherWork(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{Quota: 2})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Extract(ctx, fmt.Sprintf("https://example.com/page/%d", i))
		require.NoError(t, err)
	}
	_, err := s.Extract(ctx, "https://example.com/page/3")
	assert.ErrorIs(t, err, ErrQuotaReached)
	assert.Equal(t, 2, s.Succeeded())
}

func TestExtract_QuotaHoldsUnderConcurrency(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{Quota: 3})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Extract(context.Background(), fmt.Sprintf("https://example.com/page/%d", i))
			if err != nil {
				assert.ErrorIs(t, err, ErrQuotaReached)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, s.Succeeded())
}

func TestExtract_RobotsDenial(t *testing.T) {
	client := newTestClient(t, scraperHandler())
	s := NewScraper(ScraperConfig{}, client, nil, denyRobots{})

	_, err := s.Extract(context.Background(), "https://example.com/article")
	assert.ErrorIs(t, err, ErrDisallowed)
}

func TestExtract_InvalidURL(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{})
	_, err := s.Extract(context.Background(), "ftp://example.com/file")
	assert.Error(t, err)
	_, err = s.Extract(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestExtract_Wikipedia(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{})

	c, err := s.Extract(context.Background(), "https://en.wikipedia.org/wiki/Neutron_star")
	require.NoError(t, err)
	assert.Equal(t, "Neutron star", c.Title)
	assert.Contains(t, c.Text, "collapsed cores")
}

func TestExtract_Arxiv(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{})

	c, err := s.Extract(context.Background(), "https://arxiv.org/abs/2101.00001")
	require.NoError(t, err)
	assert.Equal(t, "Pulsar Timing Arrays", c.Title)
	assert.Contains(t, c.Text, "Ada Lovelace")
	assert.Contains(t, c.Text, "collapsed cores")
}

func TestExtract_PDFUsesOCRWhenKeyed(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{MistralAPIKey: "test-key"})

	c, err := s.Extract(context.Background(), "https://example.com/papers/neutron.pdf")
	require.NoError(t, err)
	assert.Equal(t, "neutron", c.Title)
	assert.True(t, strings.HasPrefix(c.Text, "# Paper"))
}

func TestExtract_BrokenPDFFails(t *testing.T) {
	s := newTestScraper(t, ScraperConfig{})

	_, err := s.Extract(context.Background(), "https://example.com/broken.pdf")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrContentTooShort))
}

func TestRouteFor_Priority(t *testing.T) {
	s := NewScraper(ScraperConfig{}, nil, nil, nil)

	tests := []struct {
		url  string
		want string
	}{
		{"https://arxiv.org/pdf/2101.00001.pdf", "pdf"},
		{"https://arxiv.org/abs/2101.00001", "arxiv"},
		{"https://export.arxiv.org/abs/2101.00001", "arxiv"},
		{"https://de.wikipedia.org/wiki/Neutronenstern", "wikipedia"},
		{"https://wikipedia.org/wiki/Neutron_star", "wikipedia"},
		{"https://notwikipedia.org/wiki/Neutron_star", "html"},
		{"https://en.wikipedia.org/w/index.php?title=X", "html"},
		{"https://example.com/", "html"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.url)
		require.NoError(t, err)
		assert.Equal(t, tt.want, s.routeFor(u).name, tt.url)
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "héllo", truncateRunes("héllo", 10))
	assert.Equal(t, "héllo", truncateRunes("héllo", 0))
}
