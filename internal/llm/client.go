package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// ErrInvalidJSON is returned when the model fails to produce parseable JSON
// even after one corrective retry.
var ErrInvalidJSON = errors.New("llm: response is not valid JSON")

// Request is a single completion call.
type Request struct {
	AgentID      string  `json:"agent_id"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature"`
}

// Response is the completion result.
type Response struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// Engine is the completion interface the orchestrator depends on. Production
// uses the HTTP client; tests substitute stubs.
type Engine interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// CompleteJSON runs a completion and unmarshals the reply into out. When
	// the first reply is not valid JSON it retries once with a corrective
	// prompt, then fails with ErrInvalidJSON.
	CompleteJSON(ctx context.Context, req Request, out interface{}) error
}

// Client talks to the completion service over HTTP behind a circuit breaker.
// Transient failures (timeouts, 5xx) are retried with backoff; 4xx responses
// are not.
type Client struct {
	baseURL    string
	httpClient *circuitbreaker.HTTPWrapper
	cfg        config.LLMConfig
	retryCfg   util.RetryConfig
	logger     *zap.Logger
}

// NewClient creates a completion client from configuration.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: circuitbreaker.NewHTTPWrapper(httpClient, "llm", logger),
		cfg:        cfg,
		retryCfg:   util.DefaultRetryConfig(),
		logger:     logger,
	}
}

// Complete issues one completion request.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	var out Response
	err = util.Retry(ctx, c.retryCfg, util.Transient, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create completion request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("completion request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("completion service: %w", &util.StatusError{Code: resp.StatusCode, Body: string(data)})
		}

		out = Response{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode completion response: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordLLMRequest(req.AgentID, "error", 0)
		return nil, err
	}

	metrics.RecordLLMRequest(req.AgentID, "success", out.TokensUsed)
	c.logger.Debug("Completion finished",
		zap.String("agent_id", req.AgentID),
		zap.Int("tokens_used", out.TokensUsed),
	)
	return &out, nil
}

// CompleteJSON implements Engine.
func (c *Client) CompleteJSON(ctx context.Context, req Request, out interface{}) error {
	return CompleteJSONWith(ctx, c, req, out)
}

// CompleteJSONWith runs the JSON completion protocol on any Engine: one
// attempt, one corrective retry, then a hard failure. Shared so stub engines
// in tests exercise the same path as the HTTP client.
func CompleteJSONWith(ctx context.Context, engine Engine, req Request, out interface{}) error {
	resp, err := engine.Complete(ctx, req)
	if err != nil {
		return err
	}
	firstErr := json.Unmarshal([]byte(ExtractJSON(resp.Text)), out)
	if firstErr == nil {
		return nil
	}

	retry := req
	retry.Prompt = fmt.Sprintf(
		"Your previous reply was not valid JSON (%v). Reply with ONLY the corrected JSON, no prose.\n\nPrevious reply:\n%s\n\nOriginal request:\n%s",
		firstErr, resp.Text, req.Prompt,
	)
	resp, err = engine.Complete(ctx, retry)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(resp.Text)), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// ExtractJSON strips markdown fences and surrounding prose from a model
// reply, returning the first JSON object or array found.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	open := text[start]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
