package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSettings() Settings {
	return Settings{
		MaxHalfOpenRequests: 1,
		Interval:            time.Minute,
		OpenTimeout:         50 * time.Millisecond,
		FailureThreshold:    3,
		SuccessThreshold:    1,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testSettings(), zap.NewNop())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Do(context.Background(), func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", testSettings(), zap.NewNop())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Do(context.Background(), func() error { return boom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", testSettings(), zap.NewNop())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Do(context.Background(), func() error { return boom })
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Do(context.Background(), func() error { return boom })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", testSettings(), zap.NewNop())
	boom := errors.New("boom")

	_ = b.Do(context.Background(), func() error { return boom })
	_ = b.Do(context.Background(), func() error { return boom })
	require.NoError(t, b.Do(context.Background(), func() error { return nil }))
	_ = b.Do(context.Background(), func() error { return boom })
	_ = b.Do(context.Background(), func() error { return boom })

	// Streak was broken, so the breaker must still be closed.
	assert.Equal(t, StateClosed, b.State())
}
