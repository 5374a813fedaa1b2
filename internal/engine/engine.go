// Package engine drives research runs through their stages: scoping,
// planning, researching, aggregating, synthesizing. The engine is the
// sole writer of run state and the only component the transport layer
// talks to. Each run executes on its own goroutine under an explicit
// context; progress flows through a bounded per-run channel into the
// event sink and ends with exactly one terminal event.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/agents"
	"github.com/meridianlabs-ai/atlas/internal/evidence"
	"github.com/meridianlabs-ai/atlas/internal/metrics"
	"github.com/meridianlabs-ai/atlas/internal/plan"
	"github.com/meridianlabs-ai/atlas/internal/research"
	"github.com/meridianlabs-ai/atlas/internal/tracing"
)

const (
	// DefaultRetention is how long a terminal run stays queryable.
	DefaultRetention = 5 * time.Minute

	// eventBuffer bounds the per-run progress channel. Non-terminal
	// events are dropped rather than stalling the pipeline when the
	// buffer is full; the terminal event is always delivered.
	eventBuffer = 64
)

// ErrUnknownRun is returned for run ids the engine is not tracking,
// either because they never existed or because the run was evicted
// after its retention window.
var ErrUnknownRun = errors.New("unknown run")

// Scoper validates requests and turns them into briefs.
type Scoper interface {
	ValidateRequest(req research.Request) error
	Scope(ctx context.Context, req research.Request) (research.Brief, error)
}

// TaskRunner executes planned tasks and returns a terminal result for
// every task, even under cancellation or a deadline.
type TaskRunner interface {
	Run(ctx context.Context, tasks []research.Task, opts agents.RunOptions) map[string]research.TaskResult
}

// Synthesizer renders the final report from aggregated evidence.
type Synthesizer interface {
	Synthesize(ctx context.Context, brief research.Brief, agg research.AggregatedEvidence) (*research.Report, error)
}

// EventSink receives every run's progress stream. CloseRun is called
// exactly once per run, after its terminal event.
type EventSink interface {
	Publish(evt research.ProgressEvent)
	CloseRun(runID string)
}

// nopSink keeps the engine usable when no streaming is wired.
type nopSink struct{}

func (nopSink) Publish(research.ProgressEvent) {}
func (nopSink) CloseRun(string)                {}

// Config carries the engine-owned knobs. Worker and supervisor limits
// live on the components themselves.
type Config struct {
	// SimilarityThreshold forwards to evidence aggregation; zero keeps
	// the aggregation default.
	SimilarityThreshold float64
	// Retention is how long a terminal run stays queryable before its
	// handle is evicted. Zero keeps DefaultRetention.
	Retention time.Duration
}

// Engine is the run controller. It owns the run table and is the only
// writer of each run's state.
type Engine struct {
	scoper      Scoper
	runner      TaskRunner
	synthesizer Synthesizer
	stream      EventSink
	cfg         Config
	logger      *zap.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
}

// New builds an engine. A nil stream disables progress publication, a
// nil logger disables logging.
func New(scoper Scoper, runner TaskRunner, synthesizer Synthesizer, stream EventSink, cfg Config, logger *zap.Logger) *Engine {
	if stream == nil {
		stream = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Engine{
		scoper:      scoper,
		runner:      runner,
		synthesizer: synthesizer,
		stream:      stream,
		cfg:         cfg,
		logger:      logger,
		runs:        make(map[string]*runHandle),
	}
}

// Submit validates the request, registers a run, and starts executing
// it in the background. Validation failures surface synchronously; the
// run is not created.
func (e *Engine) Submit(req research.Request) (string, error) {
	if err := e.scoper.ValidateRequest(req); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{
		id:       uuid.NewString(),
		cancel:   cancel,
		events:   make(chan research.ProgressEvent, eventBuffer),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.state = research.RunState{RunID: h.id, Stage: research.StageScoping}

	e.mu.Lock()
	e.runs[h.id] = h
	e.mu.Unlock()

	metrics.RunsStarted.WithLabelValues(string(req.Mode), presetLabel(req.Preset)).Inc()
	e.logger.Info("Run accepted",
		zap.String("run_id", h.id),
		zap.String("mode", string(req.Mode)),
		zap.String("preset", req.Preset),
	)

	go e.pump(h)
	go e.execute(ctx, h, req)
	return h.id, nil
}

// Wait blocks until the run reaches a terminal state and returns its
// outcome. An expired ctx abandons the wait without cancelling the run.
func (e *Engine) Wait(ctx context.Context, runID string) (*research.Report, error) {
	h, ok := e.handle(runID)
	if !ok {
		return nil, ErrUnknownRun
	}
	select {
	case <-h.done:
		return h.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the synchronous entry point: it accepts the request, drives it
// to a terminal state, and returns the report. Cancelling ctx cancels
// the run itself.
func (e *Engine) Run(ctx context.Context, req research.Request) (*research.Report, error) {
	id, err := e.Submit(req)
	if err != nil {
		return nil, err
	}
	h, _ := e.handle(id)
	select {
	case <-h.done:
	case <-ctx.Done():
		e.Cancel(id)
		<-h.done
	}
	return h.outcome()
}

// Cancel requests cancellation of a run. Idempotent; a terminal run is
// unaffected. Reports whether the run is known.
func (e *Engine) Cancel(runID string) bool {
	h, ok := e.handle(runID)
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Snapshot returns a copy of the run's current state.
func (e *Engine) Snapshot(runID string) (research.RunState, bool) {
	h, ok := e.handle(runID)
	if !ok {
		return research.RunState{}, false
	}
	return h.snapshot(), true
}

// Shutdown cancels every tracked run and waits for each to reach a
// terminal state, or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	handles := make([]*runHandle, 0, len(e.runs))
	for _, h := range e.runs {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) handle(runID string) (*runHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.runs[runID]
	return h, ok
}

func (e *Engine) evict(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// pump forwards a run's progress channel into the sink and closes the
// stream after the terminal event. Single consumer of h.events.
func (e *Engine) pump(h *runHandle) {
	for evt := range h.events {
		e.stream.Publish(evt)
	}
	e.stream.CloseRun(h.id)
	close(h.pumpDone)
}

// execute drives one run to a terminal state. It is the only goroutine
// that mutates the run's state or writes its progress channel.
func (e *Engine) execute(ctx context.Context, h *runHandle, req research.Request) {
	defer h.cancel()
	start := time.Now()

	report, err := e.pipeline(ctx, h, req)

	stage := research.StageDone
	switch {
	case err == nil:
	case errors.Is(err, research.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		stage = research.StageCancelled
		report = nil
		err = research.ErrCancelled
	default:
		stage = research.StageFailed
		report = nil
	}
	if report != nil {
		report.Metadata.DurationMs = time.Since(start).Milliseconds()
	}

	h.setStage(stage)
	terminal := research.ProgressEvent{RunID: h.id, Stage: stage}
	if err != nil {
		terminal.Message = err.Error()
	}
	// Blocking send: the terminal event is never dropped.
	h.events <- terminal
	close(h.events)
	<-h.pumpDone

	h.finish(report, err)
	metrics.RecordRunMetrics(string(req.Mode), string(stage), time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("run_id", h.id),
		zap.String("stage", string(stage)),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		e.logger.Warn("Run finished without a report", fields...)
	} else {
		fields = append(fields, zap.String("status", string(report.Status)))
		e.logger.Info("Run finished", fields...)
	}

	time.AfterFunc(e.cfg.Retention, func() { e.evict(h.id) })
}

// pipeline runs the non-terminal stages in order. Any returned error is
// mapped to a terminal stage by execute.
func (e *Engine) pipeline(ctx context.Context, h *runHandle, req research.Request) (*research.Report, error) {
	var brief research.Brief
	err := e.stage(ctx, h, research.StageScoping, func(c context.Context) error {
		var err error
		brief, err = e.scoper.Scope(c, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	var tasks []research.Task
	err = e.stage(ctx, h, research.StagePlanning, func(context.Context) error {
		var err error
		tasks, err = plan.Plan(brief, req.Mode)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.initTasks(tasks)

	var results map[string]research.TaskResult
	err = e.stage(ctx, h, research.StageResearching, func(c context.Context) error {
		results = e.runner.Run(c, tasks, agents.RunOptions{
			DocumentSetRef: req.DocumentSetRef,
			OnUpdate: func(taskID string, status research.TaskStatus, attempt int, reason string) {
				h.setTaskStatus(taskID, status)
				h.publish(research.ProgressEvent{
					RunID:   h.id,
					Stage:   research.StageResearching,
					TaskID:  taskID,
					Status:  string(status),
					Message: reason,
				})
			},
		})
		// The runner absorbs task failures and deadline expiry; only an
		// external cancellation aborts the run here.
		return c.Err()
	})
	if err != nil {
		return nil, err
	}

	if !anySucceeded(results) {
		return nil, &research.RunFailedError{
			Stage:  research.StageResearching,
			Causes: failureCauses(results),
		}
	}

	var agg research.AggregatedEvidence
	err = e.stage(ctx, h, research.StageAggregating, func(context.Context) error {
		agg = evidence.Aggregate(groupEvidence(tasks, results), evidence.Config{
			SimilarityThreshold: e.cfg.SimilarityThreshold,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var report *research.Report
	err = e.stage(ctx, h, research.StageSynthesizing, func(c context.Context) error {
		var err error
		report, err = e.synthesizer.Synthesize(c, brief, agg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// stage runs one pipeline stage: transition, progress event, span, and
// duration metric. A stage never starts once the run context is done.
func (e *Engine) stage(ctx context.Context, h *runHandle, stage research.Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.setStage(stage)
	h.publish(research.ProgressEvent{RunID: h.id, Stage: stage})

	sctx, span := tracing.StartStageSpan(ctx, h.id, string(stage))
	defer span.End()

	begin := time.Now()
	err := fn(sctx)
	metrics.RecordStageMetrics(string(stage), time.Since(begin).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// groupEvidence shapes supervisor results into brief-ordered evidence
// groups. Tasks without a successful result contribute an empty group,
// so the gap survives into the report instead of vanishing.
func groupEvidence(tasks []research.Task, results map[string]research.TaskResult) []research.EvidenceGroup {
	groups := make([]research.EvidenceGroup, 0, len(tasks))
	for _, task := range tasks {
		g := research.EvidenceGroup{SubQuestion: task.SubQuestion}
		if r, ok := results[task.ID]; ok && r.Status == research.TaskSucceeded {
			g.Notes = r.Notes
		}
		groups = append(groups, g)
	}
	return groups
}

func anySucceeded(results map[string]research.TaskResult) bool {
	for _, r := range results {
		if r.Status == research.TaskSucceeded {
			return true
		}
	}
	return false
}

// failureCauses lists each task's root cause for the aggregated
// all-tasks-failed error.
func failureCauses(results map[string]research.TaskResult) map[string]string {
	causes := make(map[string]string, len(results))
	for id, r := range results {
		reason := r.Reason
		if reason == "" && r.Err != nil {
			reason = r.Err.Error()
		}
		if reason == "" {
			reason = string(r.Status)
		}
		causes[id] = reason
	}
	return causes
}

func presetLabel(preset string) string {
	if preset == "" {
		return "none"
	}
	return preset
}

// runHandle is the engine's record of one run: its cancel switch, its
// progress channel, and the state snapshot exposed to callers.
type runHandle struct {
	id     string
	cancel context.CancelFunc

	// events is written only by the run's execute goroutine and
	// consumed only by its pump goroutine.
	events   chan research.ProgressEvent
	pumpDone chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	state  research.RunState
	report *research.Report
	err    error
}

// publish enqueues a progress event, dropping it when the channel is
// full so a slow sink never stalls the pipeline.
func (h *runHandle) publish(evt research.ProgressEvent) {
	select {
	case h.events <- evt:
	default:
		metrics.StreamEventsDropped.Inc()
	}
}

func (h *runHandle) setStage(stage research.Stage) {
	h.mu.Lock()
	h.state.Stage = stage
	h.mu.Unlock()
}

func (h *runHandle) initTasks(tasks []research.Task) {
	h.mu.Lock()
	h.state.TaskStatuses = make(map[string]research.TaskStatus, len(tasks))
	for _, t := range tasks {
		h.state.TaskStatuses[t.ID] = research.TaskPending
	}
	h.mu.Unlock()
}

func (h *runHandle) setTaskStatus(taskID string, status research.TaskStatus) {
	h.mu.Lock()
	if h.state.TaskStatuses != nil {
		h.state.TaskStatuses[taskID] = status
	}
	h.mu.Unlock()
}

func (h *runHandle) snapshot() research.RunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := research.RunState{RunID: h.state.RunID, Stage: h.state.Stage}
	if h.state.TaskStatuses != nil {
		out.TaskStatuses = make(map[string]research.TaskStatus, len(h.state.TaskStatuses))
		for id, st := range h.state.TaskStatuses {
			out.TaskStatuses[id] = st
		}
	}
	return out
}

func (h *runHandle) finish(report *research.Report, err error) {
	h.mu.Lock()
	h.report = report
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *runHandle) outcome() (*research.Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report, h.err
}
