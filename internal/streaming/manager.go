// Package streaming fans run progress events out to live subscribers
// (SSE, WebSocket) and keeps a per-run ring of recent events for
// Last-Event-ID replay. An optional mirror copies events into Redis
// Streams so external consumers can tail runs.
package streaming

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

const (
	defaultCapacity  = 256
	defaultRetention = 5 * time.Minute
)

// Mirror receives a copy of every published event. Implementations must
// not block; the Redis mirror buffers internally and drops on overflow.
type Mirror interface {
	Append(evt research.ProgressEvent)
	Seal(runID string)
}

// Manager is the in-memory pub/sub hub for run progress events. One
// instance is shared by the engine (publisher) and the HTTP layer
// (subscribers); there is no process-global instance.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan research.ProgressEvent]struct{}
	history     map[string]*ring
	closed      map[string]bool
	capacity    int
	retention   time.Duration
	mirror      Mirror
	logger      *zap.Logger
}

// ManagerOption adjusts Manager construction.
type ManagerOption func(*Manager)

// WithCapacity sets the per-run replay ring size.
func WithCapacity(capacity int) ManagerOption {
	return func(m *Manager) {
		if capacity > 0 {
			m.capacity = capacity
		}
	}
}

// WithRetention sets how long a finished run's history stays replayable.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMirror attaches a mirror that receives every published event.
func WithMirror(mirror Mirror) ManagerOption {
	return func(m *Manager) { m.mirror = mirror }
}

func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		subscribers: make(map[string]map[chan research.ProgressEvent]struct{}),
		history:     make(map[string]*ring),
		closed:      make(map[string]bool),
		capacity:    defaultCapacity,
		retention:   defaultRetention,
		logger:      logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Subscribe registers a buffered channel for a run's events. The caller
// must drain it and call Unsubscribe when done. Subscribing to a run
// that already finished returns a closed channel; pair with ReplaySince
// to read the retained history.
func (m *Manager) Subscribe(runID string, buffer int) chan research.ProgressEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan research.ProgressEvent, buffer)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed[runID] {
		close(ch)
		return ch
	}

	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan research.ProgressEvent]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call after
// CloseRun already closed it.
func (m *Manager) Unsubscribe(runID string, ch chan research.ProgressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[runID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	metrics.StreamSubscribers.Dec()
	if len(subs) == 0 {
		delete(m.subscribers, runID)
	}
}

// Publish assigns the event's sequence number and timestamp, records it
// for replay, and fans it out without blocking; slow subscribers lose
// events (they can recover via ReplaySince). Events for a closed run
// are ignored.
func (m *Manager) Publish(evt research.ProgressEvent) {
	m.mu.Lock()
	if m.closed[evt.RunID] {
		m.mu.Unlock()
		m.logger.Debug("Dropping event for closed run", zap.String("run_id", evt.RunID))
		return
	}

	rg := m.history[evt.RunID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.RunID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)
	m.mu.Unlock()

	metrics.StreamEventsPublished.Inc()
	if m.mirror != nil {
		m.mirror.Append(evt)
	}

	// Fan out under the read lock: channels are only closed under the
	// write lock, so a non-blocking send here cannot hit a closed one.
	m.mu.RLock()
	for ch := range m.subscribers[evt.RunID] {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
	m.mu.RUnlock()
}

// ReplaySince returns retained events with Seq > since, oldest first.
// Pass 0 to replay everything still in the ring.
func (m *Manager) ReplaySince(runID string, since uint64) []research.ProgressEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// CloseRun ends a run's stream: all subscriber channels close, further
// publishes are ignored, and the history stays replayable for the
// retention window before being evicted.
func (m *Manager) CloseRun(runID string) {
	m.mu.Lock()
	if m.closed[runID] {
		m.mu.Unlock()
		return
	}
	m.closed[runID] = true

	if subs, ok := m.subscribers[runID]; ok {
		for ch := range subs {
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		delete(m.subscribers, runID)
	}
	retention := m.retention
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.Seal(runID)
	}

	time.AfterFunc(retention, func() { m.evict(runID) })
}

// Known reports whether the manager has seen events for the run and it
// has not been evicted yet.
func (m *Manager) Known(runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[runID]
	return ok
}

func (m *Manager) evict(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
	delete(m.closed, runID)
}

// ring is a fixed-capacity ring buffer of events. Sequence numbers
// start at 1 so ReplaySince(0) means "from the beginning".
type ring struct {
	buf     []research.ProgressEvent
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]research.ProgressEvent, capacity), nextSeq: 1}
}

func (r *ring) push(e research.ProgressEvent) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []research.ProgressEvent {
	if r.count == 0 {
		return nil
	}
	out := make([]research.ProgressEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
