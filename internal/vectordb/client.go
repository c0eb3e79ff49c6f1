package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/util"
)

// Client is a Qdrant HTTP client scoped to the document collection.
type Client struct {
	baseURL        string
	collection     string
	topK           int
	scoreThreshold float64
	httpClient     *circuitbreaker.HTTPWrapper
	logger         *zap.Logger
}

// Document is one scored hit from the collection.
type Document struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	SourceType  string  `json:"source_type"`
	CompanyName string  `json:"company_name"`
	Score       float64 `json:"score"`
}

// Filter narrows a search to one user's corpus and optionally one company.
type Filter struct {
	UserID      string
	CompanyName string
}

// NewClient creates a vector store client from configuration.
func NewClient(cfg config.VectorDBConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		collection:     cfg.Collection,
		topK:           cfg.TopK,
		scoreThreshold: cfg.ScoreThreshold,
		httpClient:     circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "vectordb", logger),
		logger:         logger,
	}
}

type fieldMatch struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

func mustClause(key, value string) fieldMatch {
	fm := fieldMatch{Key: key}
	fm.Match.Value = value
	return fm
}

type searchRequest struct {
	Vector         []float32              `json:"vector"`
	Limit          int                    `json:"limit"`
	WithPayload    bool                   `json:"with_payload"`
	ScoreThreshold float64                `json:"score_threshold,omitempty"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type searchResponse struct {
	Result []struct {
		ID      interface{}            `json:"id"`
		Score   float64                `json:"score"`
		Payload map[string]interface{} `json:"payload"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search returns documents similar to vector, restricted by filter and the
// configured score threshold. Hits below the threshold never come back.
func (c *Client) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Document, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("search vector is empty")
	}
	if limit <= 0 {
		limit = c.topK
	}

	req := searchRequest{
		Vector:         vector,
		Limit:          limit,
		WithPayload:    true,
		ScoreThreshold: c.scoreThreshold,
	}
	var must []fieldMatch
	if filter.UserID != "" {
		must = append(must, mustClause("user_id", filter.UserID))
	}
	if filter.CompanyName != "" {
		must = append(must, mustClause("company_name", filter.CompanyName))
	}
	if len(must) > 0 {
		req.Filter = map[string]interface{}{"must": must}
	}

	start := time.Now()
	docs, err := c.doSearch(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordVectorSearchMetrics(c.collection, status, time.Since(start).Seconds())
	return docs, err
}

func (c *Client) doSearch(ctx context.Context, req searchRequest) ([]Document, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("vector store: %w", &util.StatusError{Code: resp.StatusCode, Body: string(data)})
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	docs := make([]Document, 0, len(out.Result))
	for _, hit := range out.Result {
		doc := Document{
			ID:    fmt.Sprintf("%v", hit.ID),
			Score: hit.Score,
		}
		doc.Text, _ = hit.Payload["text"].(string)
		doc.Title, _ = hit.Payload["title"].(string)
		doc.URL, _ = hit.Payload["url"].(string)
		doc.SourceType, _ = hit.Payload["source_type"].(string)
		doc.CompanyName, _ = hit.Payload["company_name"].(string)
		docs = append(docs, doc)
	}
	c.logger.Debug("Vector search finished",
		zap.String("collection", c.collection),
		zap.Int("hits", len(docs)),
	)
	return docs, nil
}
