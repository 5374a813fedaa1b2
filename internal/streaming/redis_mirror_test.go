package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/research"
)

func newMirrorFixture(t *testing.T, opts ...MirrorOption) (*RedisMirror, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mirror := NewRedisMirror(client, zap.NewNop(), opts...)
	t.Cleanup(mirror.Close)
	return mirror, client
}

func TestRedisMirrorAppendsToRunStream(t *testing.T) {
	mirror, client := newMirrorFixture(t)
	ctx := context.Background()

	mirror.Append(research.ProgressEvent{
		RunID:     "run-1",
		Seq:       1,
		Stage:     research.StageScoping,
		Message:   "scoping started",
		Timestamp: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		n, err := client.XLen(ctx, "atlas:events:run-1").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := client.XRange(ctx, "atlas:events:run-1", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	raw, ok := msgs[0].Values["event"].(string)
	require.True(t, ok)

	var evt research.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))
	assert.Equal(t, "run-1", evt.RunID)
	assert.Equal(t, research.StageScoping, evt.Stage)
	assert.Equal(t, uint64(1), evt.Seq)
}

func TestRedisMirrorSealArmsTTL(t *testing.T) {
	mirror, client := newMirrorFixture(t, WithStreamTTL(time.Minute))
	ctx := context.Background()

	mirror.Append(research.ProgressEvent{RunID: "run-1", Seq: 1, Stage: research.StageDone})
	mirror.Seal("run-1")

	require.Eventually(t, func() bool {
		ttl, err := client.TTL(ctx, "atlas:events:run-1").Result()
		return err == nil && ttl > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisMirrorCloseFlushesQueue(t *testing.T) {
	mirror, client := newMirrorFixture(t, WithStreamPrefix("custom:"))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		mirror.Append(research.ProgressEvent{RunID: "run-9", Seq: uint64(i), Stage: research.StageResearching})
	}
	mirror.Close()

	n, err := client.XLen(ctx, "custom:run-9").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Appends after Close are discarded without panicking.
	mirror.Append(research.ProgressEvent{RunID: "run-9", Seq: 4})
	mirror.Seal("run-9")
}
