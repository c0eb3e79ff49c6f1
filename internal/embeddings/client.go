package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/util"
)

// Client generates embeddings via the embedding service.
type Client struct {
	baseURL    string
	model      string
	httpClient *circuitbreaker.HTTPWrapper
	logger     *zap.Logger
}

// NewClient creates an embeddings client from configuration.
func NewClient(cfg config.EmbeddingConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "embeddings", logger),
		logger:     logger,
	}
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model_used"`
}

// GenerateEmbedding returns the embedding vector for text.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding text is empty")
	}

	body, err := json.Marshal(embedRequest{Text: text, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues(c.model, "error").Inc()
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.EmbeddingRequests.WithLabelValues(c.model, "error").Inc()
		return nil, fmt.Errorf("embedding service: %w", &util.StatusError{Code: resp.StatusCode, Body: string(data)})
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.EmbeddingRequests.WithLabelValues(c.model, "error").Inc()
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		metrics.EmbeddingRequests.WithLabelValues(c.model, "error").Inc()
		return nil, fmt.Errorf("embedding service returned empty vector")
	}

	metrics.EmbeddingRequests.WithLabelValues(c.model, "success").Inc()
	return out.Embedding, nil
}
