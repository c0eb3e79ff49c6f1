package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

var (
	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_circuit_breaker_requests_total",
			Help: "Total requests passing through circuit breakers",
		},
		[]string{"name", "state", "outcome"},
	)
	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// Settings controls breaker behavior.
type Settings struct {
	MaxHalfOpenRequests uint32        // concurrent probes allowed while half-open
	Interval            time.Duration // closed-state counter reset interval
	OpenTimeout         time.Duration // open -> half-open delay
	FailureThreshold    uint32        // consecutive failures that open the breaker
	SuccessThreshold    uint32        // consecutive half-open successes that close it
}

// DefaultSettings are tuned for collaborator HTTP calls.
func DefaultSettings() Settings {
	return Settings{
		MaxHalfOpenRequests: 3,
		Interval:            60 * time.Second,
		OpenTimeout:         10 * time.Second,
		FailureThreshold:    5,
		SuccessThreshold:    2,
	}
}

type counts struct {
	requests             uint32
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
}

// Breaker implements the circuit breaker pattern around collaborator calls.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     counts
	expiry     time.Time
}

// New creates a breaker with the given name for metric labels.
func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		state:    StateClosed,
		expiry:   time.Now().Add(settings.Interval),
	}
}

// Do runs fn if the breaker admits the request, recording the outcome.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	gen, err := b.admit()
	if err != nil {
		breakerRequests.WithLabelValues(b.name, b.State().String(), "rejected").Inc()
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.settle(gen, false)
			panic(r)
		}
	}()

	err = fn()
	b.settle(gen, err == nil)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	breakerRequests.WithLabelValues(b.name, b.State().String(), outcome).Inc()
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(time.Now())
	return state
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.current(now)

	switch {
	case state == StateOpen:
		return gen, ErrOpen
	case state == StateHalfOpen && b.counts.requests >= b.settings.MaxHalfOpenRequests:
		return gen, ErrTooManyRequests
	}
	b.counts.requests++
	return gen, nil
}

func (b *Breaker) settle(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.current(now)
	if gen != before {
		// A state transition invalidated this request's accounting.
		return
	}

	if success {
		b.counts.consecutiveFailures = 0
		if state == StateHalfOpen {
			b.counts.consecutiveSuccesses++
			if b.counts.consecutiveSuccesses >= b.settings.SuccessThreshold {
				b.transition(StateClosed, now)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		b.counts.consecutiveFailures++
		if b.counts.consecutiveFailures >= b.settings.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	breakerStateChanges.WithLabelValues(b.name, prev.String(), state.String()).Inc()
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = counts{}

	switch b.state {
	case StateClosed:
		if b.settings.Interval == 0 {
			b.expiry = time.Time{}
		} else {
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}
