package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("validation failed")
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
		func(error) bool { return false },
		func(context.Context) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil,
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}, nil,
		func(context.Context) error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "bad request is permanent", err: &StatusError{Code: 400, Body: "invalid request"}, expected: false},
		{name: "not found is permanent", err: &StatusError{Code: 404}, expected: false},
		{name: "unprocessable is permanent", err: &StatusError{Code: 422}, expected: false},
		{name: "server error is transient", err: &StatusError{Code: 503}, expected: true},
		{name: "wrapped status is unwrapped", err: fmt.Errorf("embed query: %w", &StatusError{Code: 400}), expected: false},
		{name: "plain error is transient", err: errors.New("connection reset"), expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.expected {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryWithTransientClassifierStopsOn4xx(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, Transient,
		func(context.Context) error {
			calls++
			return fmt.Errorf("search provider: %w", &StatusError{Code: 400, Body: "bad query"})
		})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 400 {
		t.Fatalf("expected status 400 error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for a 4xx error, got %d", calls)
	}
}

func TestRetryWithTransientClassifierRetries5xx(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, Transient,
		func(context.Context) error {
			calls++
			if calls < 2 {
				return &StatusError{Code: 502}
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
