package tools

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ddgPage = `<html><body>
<div class="result results_links results_links_deep web-result">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FNeutron_star&amp;rut=abc">Neutron star - Wikipedia</a>
  <a class="result__snippet" href="#">A neutron star is the <b>collapsed core</b> of a massive supergiant star.</a>
</div>
<div class="result results_links web-result">
  <a class="result__a" href="https://www.nasa.gov/neutron">NASA on neutron stars</a>
  <a class="result__snippet" href="#">Pulsars and magnetars.</a>
</div>
<div class="result results_links web-result">
  <a class="result__a" href="https://example.org/third">Third</a>
</div>
</body></html>`

func TestDuckDuckGo_Search(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		io.WriteString(w, ddgPage)
	}))
	d := NewDuckDuckGo(client)

	results, err := d.Search(context.Background(), "neutron stars", 2, []string{"wikipedia.org", "nasa.gov"})
	require.NoError(t, err)

	assert.Equal(t, "neutron stars (site:wikipedia.org OR site:nasa.gov)", gotQuery)
	require.Len(t, results, 2)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Neutron_star", results[0].URL)
	assert.Equal(t, "Neutron star - Wikipedia", results[0].Title)
	assert.Contains(t, results[0].Snippet, "collapsed core")
	assert.Equal(t, "https://www.nasa.gov/neutron", results[1].URL)
}

func TestDuckDuckGo_Non200(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	_, err := NewDuckDuckGo(client).Search(context.Background(), "q", 5, nil)
	assert.Error(t, err)
}

func TestWithSiteFilter(t *testing.T) {
	assert.Equal(t, "q", withSiteFilter("q", nil))
	assert.Equal(t, "q site:a.org", withSiteFilter("q", []string{" a.org ", ""}))
}

func TestArxivSearch(t *testing.T) {
	client := newTestClient(t, scraperHandler())
	a := NewArxivSearch(client)

	results, err := a.Search(context.Background(), "pulsars", 5, []string{"ignored.org"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "http://arxiv.org/abs/1111.0001v1", results[0].URL)
	assert.Equal(t, "First", results[0].Title)
	assert.Equal(t, "http://arxiv.org/abs/1111.0002v1", results[1].URL)

	results, err = a.Search(context.Background(), "pulsars", 1, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestArxivID(t *testing.T) {
	assert.Equal(t, "2101.00001", arxivID("/abs/2101.00001"))
	assert.Equal(t, "2101.00001v2", arxivID("/pdf/2101.00001v2"))
	assert.Equal(t, "", arxivID("/list/astro-ph"))
}
