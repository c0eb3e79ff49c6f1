package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
)

// EventType labels a progress event on a session stream.
type EventType string

const (
	EventProgress    EventType = "progress"
	EventToken       EventType = "token"
	EventPlanUpdated EventType = "plan_updated"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Event is one progress update on a session's stream. Seq is assigned by the
// manager, strictly increasing per session, so clients can replay and dedupe.
type Event struct {
	SessionID string                 `json:"session_id"`
	Type      EventType              `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

type subscriber struct {
	ch    chan Event
	types map[EventType]struct{}
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type stream struct {
	mu     sync.RWMutex
	seq    uint64
	ring   []Event
	head   int
	count  int
	subs   map[*subscriber]struct{}
	closed bool
}

// Manager fans progress events out to SSE and WebSocket subscribers. Publish
// never blocks: slow subscribers lose events rather than stalling the
// orchestration that produced them. A per-session ring buffer lets clients
// that reconnect replay what they missed.
type Manager struct {
	mu       sync.RWMutex
	streams  map[string]*stream
	ringCap  int
	subBuf   int
	logger   *zap.Logger
	shutdown atomic.Bool
}

// NewManager creates a streaming manager. ringCap bounds per-session replay
// history; subBuf is each subscriber's channel depth.
func NewManager(ringCap, subBuf int, logger *zap.Logger) *Manager {
	if ringCap <= 0 {
		ringCap = 256
	}
	if subBuf <= 0 {
		subBuf = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		streams: make(map[string]*stream),
		ringCap: ringCap,
		subBuf:  subBuf,
		logger:  logger,
	}
}

func (m *Manager) stream(sessionID string, create bool) *stream {
	m.mu.RLock()
	st := m.streams[sessionID]
	m.mu.RUnlock()
	if st != nil || !create {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st = m.streams[sessionID]; st == nil {
		st = &stream{
			ring: make([]Event, 0, m.ringCap),
			subs: make(map[*subscriber]struct{}),
		}
		m.streams[sessionID] = st
	}
	return st
}

// Publish assigns the event's sequence number and timestamp and delivers it
// to every interested subscriber without blocking.
func (m *Manager) Publish(ev Event) {
	if m.shutdown.Load() || ev.SessionID == "" {
		return
	}
	st := m.stream(ev.SessionID, true)

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.seq++
	ev.Seq = st.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if len(st.ring) < m.ringCap {
		st.ring = append(st.ring, ev)
	} else {
		st.ring[st.head] = ev
		st.head = (st.head + 1) % m.ringCap
	}
	st.count++

	// Delivery happens under the stream lock: sends never block (slow
	// subscribers are dropped) and unsubscribe closes channels under the
	// same lock, so a send can never race a close.
	for sub := range st.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			m.logger.Debug("Dropping event for slow subscriber",
				zap.String("session_id", ev.SessionID),
				zap.Uint64("seq", ev.Seq),
			)
		}
	}
	st.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// Subscribe returns a channel of events for sessionID. types filters the
// stream; empty means everything. Events already in the ring with Seq >
// afterSeq are replayed first, in order, so reconnecting clients resume where
// they left off. Call the returned cancel func to unsubscribe.
func (m *Manager) Subscribe(sessionID string, types []EventType, afterSeq uint64) (<-chan Event, func()) {
	st := m.stream(sessionID, true)

	sub := &subscriber{ch: make(chan Event, m.subBuf)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	st.mu.Lock()
	for i := 0; i < len(st.ring); i++ {
		ev := st.ring[(st.head+i)%len(st.ring)]
		if ev.Seq > afterSeq && sub.wants(ev.Type) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	st.subs[sub] = struct{}{}
	st.mu.Unlock()

	cancel := func() {
		st.mu.Lock()
		if _, ok := st.subs[sub]; ok {
			delete(st.subs, sub)
			close(sub.ch)
		}
		st.mu.Unlock()
	}
	return sub.ch, cancel
}

// CloseSession drops the session's stream and disconnects its subscribers.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	st := m.streams[sessionID]
	delete(m.streams, sessionID)
	m.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	st.closed = true
	for sub := range st.subs {
		delete(st.subs, sub)
		close(sub.ch)
	}
	st.mu.Unlock()
}

// Shutdown stops publishing and disconnects everything.
func (m *Manager) Shutdown() {
	m.shutdown.Store(true)
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[string]*stream)
	m.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		st.closed = true
		for sub := range st.subs {
			delete(st.subs, sub)
			close(sub.ch)
		}
		st.mu.Unlock()
	}
}
