package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/db"
)

// RedisChecker probes the session store through its circuit breaker.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
}

func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: wrapper}
}

func (r *RedisChecker) Name() string   { return "redis" }
func (r *RedisChecker) Critical() bool { return true }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: r.Name(), Critical: true, Timestamp: start, Status: StatusHealthy}

	if r.wrapper.State() == circuitbreaker.StateOpen {
		res.Status = StatusUnhealthy
		res.Error = "circuit breaker open"
		res.Duration = time.Since(start)
		return res
	}
	if err := r.wrapper.Ping(ctx).Err(); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

// PostgresChecker probes the plan store.
type PostgresChecker struct {
	client *db.Client
}

func NewPostgresChecker(client *db.Client) *PostgresChecker {
	return &PostgresChecker{client: client}
}

func (p *PostgresChecker) Name() string   { return "postgres" }
func (p *PostgresChecker) Critical() bool { return true }

func (p *PostgresChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: p.Name(), Critical: true, Timestamp: start, Status: StatusHealthy}
	if err := p.client.DB().PingContext(ctx); err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

// HTTPChecker probes an HTTP collaborator (LLM service, vector index). These
// are non-critical: the service degrades rather than goes down when a
// collaborator is away.
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPChecker) Name() string   { return h.name }
func (h *HTTPChecker) Critical() bool { return false }

func (h *HTTPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: h.name, Timestamp: start, Status: StatusHealthy}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}
	resp, err := h.client.Do(req)
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		res.Status = StatusDegraded
		res.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	res.Duration = time.Since(start)
	return res
}
