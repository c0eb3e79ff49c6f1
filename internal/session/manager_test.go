package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/conflict"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
)

func newTestManager(t *testing.T, maxCache int) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManager(rdb, time.Hour, maxCache, zap.NewNop())
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestCreateAndGet(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	sess, err := m.Create(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StateIdle, sess.State)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
}

func TestGetMissingSession(t *testing.T) {
	m, _ := newTestManager(t, 10)
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePersistsFullState(t *testing.T) {
	m, mr := newTestManager(t, 10)
	ctx := context.Background()

	sess, err := m.Create(ctx, "user-1")
	require.NoError(t, err)

	sess.State = StateAwaitingInput
	sess.CompanyName = "Acme"
	sess.Evidence = []extract.Evidence{{
		EntityType: extract.EntityRevenue,
		Value:      "$200B",
		Normalized: 200e9,
		SourceURL:  "https://a.example.com",
		SourceType: extract.SourceAnnualReport,
	}}
	sess.PendingConflicts = []conflict.Record{{
		ID:         "c1",
		EntityType: extract.EntityRevenue,
		Status:     conflict.StatusOpen,
	}}
	sess.AddMessage("user", "research Acme")
	require.NoError(t, m.Update(ctx, sess))

	// Drop the local cache to force a Redis read, as a restart would.
	m2 := NewManager(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, 10, zap.NewNop())
	defer m2.Close()

	got, err := m2.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingInput, got.State)
	assert.Equal(t, "Acme", got.CompanyName)
	require.Len(t, got.Evidence, 1)
	assert.Equal(t, extract.EntityRevenue, got.Evidence[0].EntityType)
	require.NotNil(t, got.OpenConflict())
	assert.Equal(t, "c1", got.OpenConflict().ID)
	require.Len(t, got.History, 1)
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	sess, err := m.Create(ctx, "user-1")
	require.NoError(t, err)

	a, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	a.CompanyName = "mutated"
	a.Evidence = append(a.Evidence, extract.Evidence{EntityType: extract.EntityRevenue})

	b, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, b.CompanyName)
	assert.Empty(t, b.Evidence)
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	sess, err := m.Create(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, sess.ID))

	_, err = m.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionExpiry(t *testing.T) {
	m, mr := newTestManager(t, 10)
	ctx := context.Background()

	sess, err := m.Create(ctx, "user-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	// Cached copy still serves; a cold manager sees the expiry.
	m2 := NewManager(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, 10, zap.NewNop())
	defer m2.Close()
	_, err = m2.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheEviction(t *testing.T) {
	m, _ := newTestManager(t, 2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := m.Create(ctx, "user-1")
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	m.mu.Lock()
	size := len(m.cache)
	_, oldestCached := m.cache[ids[0]]
	m.mu.Unlock()
	assert.Equal(t, 2, size)
	assert.False(t, oldestCached)

	// Evicted sessions still load from Redis.
	got, err := m.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.ID)
}

func TestOpenConflictSkipsResolved(t *testing.T) {
	sess := &Session{PendingConflicts: []conflict.Record{
		{ID: "c1", Status: conflict.StatusResolved},
		{ID: "c2", Status: conflict.StatusOpen},
	}}
	rec := sess.OpenConflict()
	require.NotNil(t, rec)
	assert.Equal(t, "c2", rec.ID)

	sess.PendingConflicts[1].Status = conflict.StatusResolved
	assert.Nil(t, sess.OpenConflict())
}
