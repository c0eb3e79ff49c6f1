package util

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// StatusError carries an HTTP status surfaced by a collaborator so retry
// policy can tell client mistakes from transient failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Transient reports whether err is worth another attempt. 4xx statuses are
// the caller's fault and never succeed on retry; everything else (timeouts,
// 5xx, connection resets) is treated as transient.
func Transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code < 400 || se.Code >= 500
	}
	return true
}

// RetryConfig controls Retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the collaborator retry policy: 3 attempts with
// exponential backoff starting at 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Retry runs fn up to cfg.MaxAttempts times with jittered exponential
// backoff. retryable decides whether a given error is worth another attempt;
// a nil retryable retries every error. Context cancellation stops retrying
// immediately and returns the context error.
func Retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}

// jitter spreads a delay over [d/2, d) so synchronized callers don't
// hammer a recovering collaborator in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
