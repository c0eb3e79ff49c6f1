package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.WebSearchConfig{
		Enabled:       true,
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		TopResults:    3,
		RatePerSecond: 100,
		Timeout:       5 * time.Second,
	}, zap.NewNop())
}

func TestSearchReturnsTopResults(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Acme revenue", req["q"])

		w.Write([]byte(`{"organic": [
			{"title": "A", "link": "https://a.example.com", "snippet": "s1"},
			{"title": "B", "link": "https://b.example.com", "snippet": "s2"},
			{"title": "C", "link": "https://c.example.com", "snippet": "s3"},
			{"title": "D", "link": "https://d.example.com", "snippet": "s4"}
		]}`))
	}))

	results, err := client.Search(context.Background(), "Acme revenue")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "https://a.example.com", results[0].URL)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	_, err := client.Search(context.Background(), "  ")
	assert.Error(t, err)
}

func TestScrapeExtractsVisibleText(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>t</title><style>.x{}</style></head>
			<body><nav>menu</nav><h1>Acme Corp</h1>
			<p>Revenue of $200 billion in 2024.</p>
			<script>alert("hi")</script>
			<footer>copyright</footer></body></html>`))
	}))
	t.Cleanup(page.Close)
	client := newTestClient(t, http.NotFoundHandler())

	text, err := client.Scrape(context.Background(), page.URL+"/page")
	require.NoError(t, err)
	assert.Contains(t, text, "Acme Corp")
	assert.Contains(t, text, "Revenue of $200 billion")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "menu")
	assert.NotContains(t, text, "copyright")
	assert.NotContains(t, text, ".x{}")
}

func TestExtractTextCollapsesWhitespace(t *testing.T) {
	text, err := ExtractText(strings.NewReader("<p>one</p>\n\n  <p>two</p>"))
	require.NoError(t, err)
	assert.Equal(t, "one two", text)
}
