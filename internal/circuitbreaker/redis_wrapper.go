package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper protects a Redis client with a circuit breaker. redis.Nil is
// not a breaker failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *Breaker
}

// NewRedisWrapper creates a breaker-protected Redis client.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	settings := DefaultSettings()
	settings.OpenTimeout = 5 * time.Second
	return &RedisWrapper{
		client: client,
		cb:     New("redis", settings, logger),
	}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	return rw.cb.Do(ctx, func() error {
		err := fn()
		if err == redis.Nil {
			return nil
		}
		return err
	})
}

// Ping wraps Redis Ping.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	}); err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	}); err != nil && err != redis.Nil {
		if result == nil || result.Err() == nil {
			result = redis.NewStringCmd(ctx)
			result.SetErr(err)
		}
	}
	return result
}

// Set wraps Redis Set.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Set(ctx, key, value, ttl)
		return result.Err()
	}); err != nil {
		if result == nil || result.Err() == nil {
			result = redis.NewStatusCmd(ctx)
			result.SetErr(err)
		}
	}
	return result
}

// Del wraps Redis Del.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	}); err != nil {
		if result == nil || result.Err() == nil {
			result = redis.NewIntCmd(ctx)
			result.SetErr(err)
		}
	}
	return result
}

// Keys wraps Redis Keys.
func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd
	if err := rw.run(ctx, func() error {
		result = rw.client.Keys(ctx, pattern)
		return result.Err()
	}); err != nil {
		if result == nil || result.Err() == nil {
			result = redis.NewStringSliceCmd(ctx)
			result.SetErr(err)
		}
	}
	return result
}

// State reports the breaker state for health checks.
func (rw *RedisWrapper) State() State { return rw.cb.State() }

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }
