package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. Stream mirroring
// and health checks go through it so a dead Redis degrades instead of stalling
// the run pipeline.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := ObserveStateChanges(GetRedisConfig().ToConfig())
	cb := NewCircuitBreaker("redis", config, logger)

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

	recordRequest("redis", err == nil)

	if err != nil {
		// Return a failed status cmd if circuit breaker is open
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// XAdd wraps Redis XAdd with circuit breaker
func (rw *RedisWrapper) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.XAdd(ctx, args)
		return result.Err()
	})

	recordRequest("redis", err == nil)

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// XRange wraps Redis XRange with circuit breaker
func (rw *RedisWrapper) XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd {
	var result *redis.XMessageSliceCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.XRange(ctx, stream, start, stop)
		return result.Err()
	})

	recordRequest("redis", err == nil)

	if err != nil {
		result = redis.NewXMessageSliceCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Expire wraps Redis Expire with circuit breaker
func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Expire(ctx, key, expiration)
		return result.Err()
	})

	recordRequest("redis", err == nil)

	if err != nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
