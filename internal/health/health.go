package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of a single component or the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	// Critical failures make the service not ready; non-critical ones only
	// degrade it.
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// Overall is the aggregated service health.
type Overall struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs the registered checkers on an interval and caches the latest
// results so probe endpoints never block on a slow dependency.
type Manager struct {
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	checkers []Checker
	latest   map[string]CheckResult

	stopCh chan struct{}
	once   sync.Once
}

// NewManager creates a health manager. interval defaults to 15s.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		latest:   make(map[string]CheckResult),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a checker. Register before Start.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// Start begins background checking and runs one round immediately.
func (m *Manager) Start() {
	m.runChecks()
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks()
			}
		}
	}()
}

// Stop halts background checking.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Manager) runChecks() {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		res := c.Check(ctx)
		cancel()

		if res.Status != StatusHealthy {
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.String("status", string(res.Status)),
				zap.String("error", res.Error),
			)
		}
		m.mu.Lock()
		m.latest[c.Name()] = res
		m.mu.Unlock()
	}
}

// Health returns the latest aggregated view.
func (m *Manager) Health() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Overall{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]CheckResult, len(m.latest)),
		Timestamp:  time.Now(),
	}
	for name, res := range m.latest {
		out.Components[name] = res
		if res.Status == StatusHealthy {
			continue
		}
		if res.Critical {
			out.Status = StatusUnhealthy
			out.Ready = false
		} else if out.Status == StatusHealthy {
			out.Status = StatusDegraded
		}
	}
	return out
}
