package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/research"
)

func event(runID string, stage research.Stage, msg string) research.ProgressEvent {
	return research.ProgressEvent{RunID: runID, Stage: stage, Message: msg}
}

func TestPublishAssignsSequenceFromOne(t *testing.T) {
	m := NewManager(zap.NewNop())

	m.Publish(event("run-1", research.StageScoping, "scoping"))
	m.Publish(event("run-1", research.StagePlanning, "planning"))

	events := m.ReplaySince("run-1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	m := NewManager(zap.NewNop())

	ch := m.Subscribe("run-1", 8)
	defer m.Unsubscribe("run-1", ch)

	m.Publish(event("run-1", research.StageResearching, "task started"))
	m.Publish(event("run-2", research.StageScoping, "other run"))

	select {
	case evt := <-ch:
		assert.Equal(t, "run-1", evt.RunID)
		assert.Equal(t, research.StageResearching, evt.Stage)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	// Nothing from the other run leaks in.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager(zap.NewNop())

	ch := m.Subscribe("run-1", 1)
	defer m.Unsubscribe("run-1", ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			m.Publish(event("run-1", research.StageResearching, "burst"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish must never block on a slow subscriber")
	}

	// Exactly one event fit the buffer; the ring kept all five.
	assert.Len(t, drain(ch), 1)
	assert.Len(t, m.ReplaySince("run-1", 0), 5)
}

func TestReplaySinceSkipsDelivered(t *testing.T) {
	m := NewManager(zap.NewNop())

	for i := 0; i < 4; i++ {
		m.Publish(event("run-1", research.StageResearching, "step"))
	}

	events := m.ReplaySince("run-1", 2)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(4), events[1].Seq)

	assert.Nil(t, m.ReplaySince("unknown-run", 0))
}

func TestRingOverwritesOldest(t *testing.T) {
	m := NewManager(zap.NewNop(), WithCapacity(2))

	for i := 0; i < 3; i++ {
		m.Publish(event("run-1", research.StageResearching, "step"))
	}

	events := m.ReplaySince("run-1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, uint64(3), events[1].Seq)
}

func TestCloseRunClosesSubscribersAndFreezesHistory(t *testing.T) {
	m := NewManager(zap.NewNop())

	ch := m.Subscribe("run-1", 8)
	m.Publish(event("run-1", research.StageScoping, "scoping"))
	m.Publish(event("run-1", research.StageDone, "finished"))
	m.CloseRun("run-1")

	got := drain(ch)
	require.Len(t, got, 2)
	assert.True(t, got[1].Terminal())

	// The channel is closed once drained.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after close is ignored.
	m.Publish(event("run-1", research.StageDone, "straggler"))
	assert.Len(t, m.ReplaySince("run-1", 0), 2)

	// A late subscriber gets a closed channel plus replayable history.
	late := m.Subscribe("run-1", 8)
	_, open = <-late
	assert.False(t, open)
	assert.Len(t, m.ReplaySince("run-1", 0), 2)

	// Unsubscribe after CloseRun must not panic on the already-closed channel.
	m.Unsubscribe("run-1", ch)
}

func TestRetentionEvictsFinishedRuns(t *testing.T) {
	m := NewManager(zap.NewNop(), WithRetention(30*time.Millisecond))

	m.Publish(event("run-1", research.StageDone, "finished"))
	m.CloseRun("run-1")
	assert.True(t, m.Known("run-1"))

	require.Eventually(t, func() bool {
		return !m.Known("run-1")
	}, time.Second, 10*time.Millisecond)
	assert.Nil(t, m.ReplaySince("run-1", 0))
}

type stubMirror struct {
	mu       sync.Mutex
	appended []research.ProgressEvent
	sealed   []string
}

func (s *stubMirror) Append(evt research.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, evt)
}

func (s *stubMirror) Seal(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = append(s.sealed, runID)
}

func TestMirrorReceivesEventsAndSeal(t *testing.T) {
	mirror := &stubMirror{}
	m := NewManager(zap.NewNop(), WithMirror(mirror))

	m.Publish(event("run-1", research.StageScoping, "scoping"))
	m.Publish(event("run-1", research.StageDone, "finished"))
	m.CloseRun("run-1")

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	require.Len(t, mirror.appended, 2)
	assert.Equal(t, uint64(1), mirror.appended[0].Seq)
	assert.Equal(t, []string{"run-1"}, mirror.sealed)
}

func drain(ch chan research.ProgressEvent) []research.ProgressEvent {
	var out []research.ProgressEvent
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}
