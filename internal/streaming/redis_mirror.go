package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/circuitbreaker"
	"github.com/meridianlabs-ai/atlas/internal/metrics"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

const (
	defaultMirrorPrefix = "atlas:events:"
	defaultMirrorMaxLen = 1024
	defaultMirrorTTL    = time.Hour
	mirrorBuffer        = 1024
	mirrorOpTimeout     = 2 * time.Second
)

// RedisMirror copies progress events into one Redis Stream per run so
// external consumers can tail live runs with XREAD. Writes go through a
// single loop fed by a bounded queue: a slow or dead Redis drops mirror
// writes instead of stalling Publish, and the circuit breaker stops
// hammering a down instance.
type RedisMirror struct {
	wrapper *circuitbreaker.RedisWrapper
	prefix  string
	maxLen  int64
	ttl     time.Duration
	ops       chan mirrorOp
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
}

type mirrorOp struct {
	evt  research.ProgressEvent
	seal bool
	run  string
}

// MirrorOption adjusts RedisMirror construction.
type MirrorOption func(*RedisMirror)

// WithStreamPrefix sets the Redis key prefix for run streams.
func WithStreamPrefix(prefix string) MirrorOption {
	return func(rm *RedisMirror) {
		if prefix != "" {
			rm.prefix = prefix
		}
	}
}

// WithStreamMaxLen caps each run stream's approximate length.
func WithStreamMaxLen(maxLen int64) MirrorOption {
	return func(rm *RedisMirror) {
		if maxLen > 0 {
			rm.maxLen = maxLen
		}
	}
}

// WithStreamTTL sets how long a sealed run stream survives.
func WithStreamTTL(ttl time.Duration) MirrorOption {
	return func(rm *RedisMirror) {
		if ttl > 0 {
			rm.ttl = ttl
		}
	}
}

func NewRedisMirror(client *redis.Client, logger *zap.Logger, opts ...MirrorOption) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	rm := &RedisMirror{
		wrapper: circuitbreaker.NewRedisWrapper(client, logger),
		prefix:  defaultMirrorPrefix,
		maxLen:  defaultMirrorMaxLen,
		ttl:     defaultMirrorTTL,
		ops:     make(chan mirrorOp, mirrorBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rm)
		}
	}
	rm.wg.Add(1)
	go rm.loop()
	return rm
}

// Append enqueues an event for mirroring. Never blocks; overflow drops.
func (rm *RedisMirror) Append(evt research.ProgressEvent) {
	select {
	case <-rm.done:
		return
	default:
	}
	select {
	case rm.ops <- mirrorOp{evt: evt, run: evt.RunID}:
	default:
		metrics.StreamEventsDropped.Inc()
	}
}

// Seal marks a run's stream finished by arming its TTL.
func (rm *RedisMirror) Seal(runID string) {
	select {
	case <-rm.done:
		return
	default:
	}
	select {
	case rm.ops <- mirrorOp{seal: true, run: runID}:
	default:
		rm.logger.Warn("Mirror queue full, stream not sealed", zap.String("run_id", runID))
	}
}

// Close stops the writer loop after flushing queued operations.
// Idempotent.
func (rm *RedisMirror) Close() {
	rm.closeOnce.Do(func() { close(rm.done) })
	rm.wg.Wait()
}

func (rm *RedisMirror) loop() {
	defer rm.wg.Done()
	for {
		select {
		case op := <-rm.ops:
			rm.apply(op)
		case <-rm.done:
			// Flush whatever is already queued, then stop.
			for {
				select {
				case op := <-rm.ops:
					rm.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (rm *RedisMirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	key := rm.prefix + op.run
	if op.seal {
		if err := rm.wrapper.Expire(ctx, key, rm.ttl).Err(); err != nil {
			rm.logger.Warn("Failed to seal run stream", zap.String("run_id", op.run), zap.Error(err))
		}
		return
	}

	payload, err := json.Marshal(op.evt)
	if err != nil {
		rm.logger.Warn("Failed to encode event for mirror", zap.String("run_id", op.run), zap.Error(err))
		return
	}
	cmd := rm.wrapper.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: rm.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	})
	if err := cmd.Err(); err != nil {
		rm.logger.Debug("Mirror write failed", zap.String("run_id", op.run), zap.Error(err))
	}
}
