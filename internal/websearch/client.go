package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/util"
)

// Result is one web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"link"`
	Snippet string `json:"snippet"`
}

// Client queries a Serper-style search API and scrapes result pages. All
// outbound traffic shares one rate limiter so a burst of gather calls cannot
// hammer the provider.
type Client struct {
	baseURL    string
	apiKey     string
	topResults int
	httpClient *circuitbreaker.HTTPWrapper
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a web search client from configuration.
func NewClient(cfg config.WebSearchConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 2
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		topResults: cfg.TopResults,
		httpClient: circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "websearch", logger),
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:     logger,
	}
}

type searchRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num,omitempty"`
}

type searchResponse struct {
	Organic []Result `json:"organic"`
}

// Search returns the top organic results for query.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(searchRequest{Query: query, Num: c.topResults})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.WebSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.WebSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search provider: %w", &util.StatusError{Code: resp.StatusCode, Body: string(data)})
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.WebSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := out.Organic
	if c.topResults > 0 && len(results) > c.topResults {
		results = results[:c.topResults]
	}
	metrics.WebSearches.WithLabelValues("success").Inc()
	c.logger.Debug("Web search finished", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}

// Scrape fetches a result page and returns its visible text.
func (c *Client) Scrape(ctx context.Context, pageURL string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create scrape request: %w", err)
	}
	req.Header.Set("User-Agent", "meridian-research/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrape failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page fetch: %w", &util.StatusError{Code: resp.StatusCode})
	}

	// 1MB is plenty for text extraction and keeps pathological pages out.
	text, err := ExtractText(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	return text, nil
}
