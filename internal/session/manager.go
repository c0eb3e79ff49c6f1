package session

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/conflict"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

const keyPrefix = "session:"

type cacheEntry struct {
	session *Session
	element *list.Element
}

// Manager stores sessions in Redis with a write-through local LRU cache.
// Redis is the source of truth so a restarted process picks suspended
// sessions back up; the cache only saves round trips on the hot path.
type Manager struct {
	redis *circuitbreaker.RedisWrapper
	ttl   time.Duration

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	lru     *list.List
	maxSize int

	logger *zap.Logger
}

// NewManager creates a session manager.
func NewManager(rdb *redis.Client, ttl time.Duration, maxCacheSize int, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxCacheSize <= 0 {
		maxCacheSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		redis:   circuitbreaker.NewRedisWrapper(rdb, logger),
		ttl:     ttl,
		cache:   make(map[string]*cacheEntry),
		lru:     list.New(),
		maxSize: maxCacheSize,
		logger:  logger,
	}
}

// Create starts a new session for userID.
func (m *Manager) Create(ctx context.Context, userID string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	m.logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
	)
	return sess, nil
}

// Get loads a session, preferring the local cache.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	if entry, ok := m.cache[sessionID]; ok {
		m.lru.MoveToFront(entry.element)
		sess := cloneSession(entry.session)
		m.mu.Unlock()
		metrics.SessionCacheHits.Inc()
		return sess, nil
	}
	m.mu.Unlock()
	metrics.SessionCacheMisses.Inc()

	data, err := m.redis.Get(ctx, keyPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	m.cachePut(&sess)
	return cloneSession(&sess), nil
}

// Update saves the session and refreshes its TTL.
func (m *Manager) Update(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	return m.persist(ctx, sess)
}

// Delete removes a session from Redis and the cache.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if entry, ok := m.cache[sessionID]; ok {
		m.lru.Remove(entry.element)
		delete(m.cache, sessionID)
		metrics.SessionCacheSize.Set(float64(len(m.cache)))
	}
	m.mu.Unlock()

	if err := m.redis.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := m.redis.Set(ctx, keyPrefix+sess.ID, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	m.cachePut(sess)
	return nil
}

func (m *Manager) cachePut(sess *Session) {
	stored := cloneSession(sess)

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.cache[sess.ID]; ok {
		entry.session = stored
		m.lru.MoveToFront(entry.element)
		return
	}

	for len(m.cache) >= m.maxSize {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.lru.Remove(oldest)
		delete(m.cache, oldest.Value.(string))
		metrics.SessionCacheEvictions.Inc()
	}

	m.cache[sess.ID] = &cacheEntry{
		session: stored,
		element: m.lru.PushFront(sess.ID),
	}
	metrics.SessionCacheSize.Set(float64(len(m.cache)))
}

// Close releases the underlying Redis connection.
func (m *Manager) Close() error {
	return m.redis.Close()
}

func cloneSession(s *Session) *Session {
	out := *s
	out.Evidence = append([]extract.Evidence(nil), s.Evidence...)
	out.PendingConflicts = append([]conflict.Record(nil), s.PendingConflicts...)
	out.History = append([]Message(nil), s.History...)
	return &out
}
