package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. The supersession
// registry treats breaker-open errors as poll failures, never as staleness.
type RedisWrapper struct {
	client *redis.Client
	cb     *Breaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := RedisConfig().ToConfig()
	cb := New("redis", config, logger)

	Collector.Register("redis", "run-registry", cb)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		// A missing key is not a dependency failure
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil || result.Err() == redis.Nil))

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) record(success bool) {
	Collector.RecordRequest("redis", "run-registry", rw.cb.State(), success)
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsOpen() bool {
	return rw.cb.State() == StateOpen
}
