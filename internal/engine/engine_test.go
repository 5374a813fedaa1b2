package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianlabs-ai/atlas/internal/agents"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

type stubScoper struct {
	validateErr error
	scopeErr    error
	subs        []string
}

func (s *stubScoper) ValidateRequest(research.Request) error { return s.validateErr }

func (s *stubScoper) Scope(_ context.Context, req research.Request) (research.Brief, error) {
	if s.scopeErr != nil {
		return research.Brief{}, s.scopeErr
	}
	subs := s.subs
	if subs == nil {
		subs = []string{req.Question}
	}
	return research.Brief{Goal: req.Question, SubQuestions: subs}, nil
}

type stubRunner struct {
	fn func(ctx context.Context, tasks []research.Task, opts agents.RunOptions) map[string]research.TaskResult
}

func (s *stubRunner) Run(ctx context.Context, tasks []research.Task, opts agents.RunOptions) map[string]research.TaskResult {
	return s.fn(ctx, tasks, opts)
}

// succeedAll reports running then succeeded for every task, attaching
// one note each.
func succeedAll(_ context.Context, tasks []research.Task, opts agents.RunOptions) map[string]research.TaskResult {
	out := make(map[string]research.TaskResult, len(tasks))
	for i, task := range tasks {
		if opts.OnUpdate != nil {
			opts.OnUpdate(task.ID, research.TaskRunning, 1, "")
			opts.OnUpdate(task.ID, research.TaskSucceeded, 1, "")
		}
		note := research.EvidenceNote{
			TaskID:      task.ID,
			SourceURL:   fmt.Sprintf("https://example.org/%d", i),
			Snippet:     fmt.Sprintf("finding %d for %s", i, task.SubQuestion),
			ContentHash: fmt.Sprintf("hash-%d", i),
			RetrievedAt: time.Now().UTC(),
		}
		out[task.ID] = research.TaskResult{
			TaskID:   task.ID,
			Status:   research.TaskSucceeded,
			Attempts: 1,
			Notes:    []research.EvidenceNote{note},
		}
	}
	return out
}

type stubSynthesizer struct {
	err   error
	calls int

	mu  sync.Mutex
	agg research.AggregatedEvidence
}

func (s *stubSynthesizer) Synthesize(_ context.Context, brief research.Brief, agg research.AggregatedEvidence) (*research.Report, error) {
	s.mu.Lock()
	s.calls++
	s.agg = agg
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	report := &research.Report{Title: brief.Goal, Status: research.ReportComplete}
	for _, g := range agg.Groups {
		section := research.Section{Heading: g.SubQuestion, Body: "body"}
		if len(g.Notes) == 0 {
			section.Gap = true
			report.Status = research.ReportPartial
		}
		report.Sections = append(report.Sections, section)
	}
	return report, nil
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []research.ProgressEvent
	closed []string
}

func (r *sinkRecorder) Publish(evt research.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *sinkRecorder) CloseRun(runID string) {
	r.mu.Lock()
	r.closed = append(r.closed, runID)
	r.mu.Unlock()
}

// stages returns the stage transition events, task updates excluded.
func (r *sinkRecorder) stages() []research.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []research.Stage
	for _, evt := range r.events {
		if evt.TaskID == "" {
			out = append(out, evt.Stage)
		}
	}
	return out
}

func (r *sinkRecorder) terminals() []research.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []research.ProgressEvent
	for _, evt := range r.events {
		if evt.Terminal() {
			out = append(out, evt)
		}
	}
	return out
}

func newTestEngine(t *testing.T, scoper Scoper, runner TaskRunner, synth Synthesizer, sink EventSink) *Engine {
	t.Helper()
	return New(scoper, runner, synth, sink, Config{}, zaptest.NewLogger(t))
}

func deepRequest() research.Request {
	return research.Request{
		Question: "Compare solar and nuclear generation costs in India",
		Mode:     research.ModeDeep,
	}
}

func TestRunHappyPath(t *testing.T) {
	scoper := &stubScoper{subs: []string{"solar costs", "nuclear costs"}}
	synth := &stubSynthesizer{}
	sink := &sinkRecorder{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: succeedAll}, synth, sink)

	report, err := eng.Run(context.Background(), deepRequest())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, research.ReportComplete, report.Status)
	require.Len(t, report.Sections, 2)
	assert.Equal(t, "solar costs", report.Sections[0].Heading)
	assert.Equal(t, "nuclear costs", report.Sections[1].Heading)

	assert.Equal(t, []research.Stage{
		research.StageScoping,
		research.StagePlanning,
		research.StageResearching,
		research.StageAggregating,
		research.StageSynthesizing,
		research.StageDone,
	}, sink.stages())

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, research.StageDone, terminals[0].Stage)
	assert.Len(t, sink.closed, 1)
}

func TestRunRecordsTaskProgress(t *testing.T) {
	scoper := &stubScoper{subs: []string{"alpha", "beta"}}
	sink := &sinkRecorder{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: succeedAll}, &stubSynthesizer{}, sink)

	id, err := eng.Submit(deepRequest())
	require.NoError(t, err)
	_, err = eng.Wait(context.Background(), id)
	require.NoError(t, err)

	state, ok := eng.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, research.StageDone, state.Stage)
	require.Len(t, state.TaskStatuses, 2)
	for taskID, status := range state.TaskStatuses {
		assert.Equal(t, research.TaskSucceeded, status, "task %s", taskID)
	}

	sink.mu.Lock()
	var taskEvents int
	for _, evt := range sink.events {
		if evt.TaskID != "" {
			taskEvents++
			assert.Equal(t, research.StageResearching, evt.Stage)
			assert.Equal(t, id, evt.RunID)
		}
	}
	sink.mu.Unlock()
	assert.Equal(t, 4, taskEvents)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	scoper := &stubScoper{validateErr: &research.ScopingError{Reason: "question is empty"}}
	sink := &sinkRecorder{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: succeedAll}, &stubSynthesizer{}, sink)

	id, err := eng.Submit(research.Request{Mode: research.ModeQuick})
	require.Error(t, err)
	assert.Empty(t, id)

	var se *research.ScopingError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, sink.events)
	assert.Empty(t, sink.closed)
}

func TestRunFailsWhenScopingFails(t *testing.T) {
	scoper := &stubScoper{scopeErr: &research.ScopingError{Reason: "unknown preset \"ghost\""}}
	sink := &sinkRecorder{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: succeedAll}, &stubSynthesizer{}, sink)

	report, err := eng.Run(context.Background(), deepRequest())
	require.Error(t, err)
	assert.Nil(t, report)

	var se *research.ScopingError
	assert.ErrorAs(t, err, &se)

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, research.StageFailed, terminals[0].Stage)
	assert.Contains(t, terminals[0].Message, "unknown preset")
}

func TestRunFailsWhenPlanningFails(t *testing.T) {
	scoper := &stubScoper{subs: []string{}}
	eng := newTestEngine(t, scoper, &stubRunner{fn: succeedAll}, &stubSynthesizer{}, &sinkRecorder{})

	report, err := eng.Run(context.Background(), deepRequest())
	require.Error(t, err)
	assert.Nil(t, report)

	var pe *research.PlanningError
	assert.ErrorAs(t, err, &pe)
}

func TestRunFailsWhenEveryTaskFails(t *testing.T) {
	failAll := func(_ context.Context, tasks []research.Task, opts agents.RunOptions) map[string]research.TaskResult {
		out := make(map[string]research.TaskResult, len(tasks))
		for _, task := range tasks {
			if opts.OnUpdate != nil {
				opts.OnUpdate(task.ID, research.TaskFailed, 3, research.ReasonAttemptsExhausted)
			}
			out[task.ID] = research.TaskResult{
				TaskID:   task.ID,
				Status:   research.TaskFailed,
				Attempts: 3,
				Reason:   research.ReasonAttemptsExhausted,
			}
		}
		return out
	}

	scoper := &stubScoper{subs: []string{"alpha", "beta"}}
	synth := &stubSynthesizer{}
	sink := &sinkRecorder{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: failAll}, synth, sink)

	report, err := eng.Run(context.Background(), deepRequest())
	require.Error(t, err)
	assert.Nil(t, report)

	var rfe *research.RunFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, research.StageResearching, rfe.Stage)
	assert.Len(t, rfe.Causes, 2)
	for taskID, cause := range rfe.Causes {
		assert.Equal(t, research.ReasonAttemptsExhausted, cause, "task %s", taskID)
	}

	assert.Zero(t, synth.calls)
	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, research.StageFailed, terminals[0].Stage)
}

func TestPartialEvidenceStillSynthesized(t *testing.T) {
	// One task finishes before the deadline, the rest are force-failed.
	partial := func(_ context.Context, tasks []research.Task, opts agents.RunOptions) map[string]research.TaskResult {
		out := make(map[string]research.TaskResult, len(tasks))
		for i, task := range tasks {
			if i == 0 {
				out[task.ID] = research.TaskResult{
					TaskID:   task.ID,
					Status:   research.TaskSucceeded,
					Attempts: 1,
					Notes: []research.EvidenceNote{{
						TaskID:      task.ID,
						SourceURL:   "https://example.org/solar",
						Snippet:     "solar findings",
						ContentHash: "solar-note",
						RetrievedAt: time.Now().UTC(),
					}},
				}
				continue
			}
			out[task.ID] = research.TaskResult{
				TaskID: task.ID,
				Status: research.TaskFailed,
				Reason: research.ReasonDeadlineExceeded,
			}
		}
		return out
	}

	scoper := &stubScoper{subs: []string{"solar", "nuclear", "grid"}}
	synth := &stubSynthesizer{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: partial}, synth, &sinkRecorder{})

	report, err := eng.Run(context.Background(), deepRequest())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, research.ReportPartial, report.Status)
	require.Len(t, report.Sections, 3)
	assert.False(t, report.Sections[0].Gap)
	assert.True(t, report.Sections[1].Gap)
	assert.True(t, report.Sections[2].Gap)

	// Groups reach the synthesizer in brief order regardless of which
	// tasks survived.
	synth.mu.Lock()
	require.Len(t, synth.agg.Groups, 3)
	assert.Equal(t, "solar", synth.agg.Groups[0].SubQuestion)
	assert.Len(t, synth.agg.Groups[0].Notes, 1)
	assert.Empty(t, synth.agg.Groups[1].Notes)
	assert.Empty(t, synth.agg.Groups[2].Notes)
	synth.mu.Unlock()
}

func TestCancelDuringResearchDiscardsEvidence(t *testing.T) {
	started := make(chan struct{})
	blockUntilCancelled := func(ctx context.Context, tasks []research.Task, _ agents.RunOptions) map[string]research.TaskResult {
		close(started)
		<-ctx.Done()
		out := make(map[string]research.TaskResult, len(tasks))
		for _, task := range tasks {
			out[task.ID] = research.TaskResult{
				TaskID: task.ID,
				Status: research.TaskFailed,
				Reason: research.ReasonCancelled,
			}
		}
		return out
	}

	scoper := &stubScoper{subs: []string{"alpha"}}
	synth := &stubSynthesizer{}
	sink := &sinkRecorder{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: blockUntilCancelled}, synth, sink)

	id, err := eng.Submit(deepRequest())
	require.NoError(t, err)

	<-started
	assert.True(t, eng.Cancel(id))

	report, err := eng.Wait(context.Background(), id)
	assert.Nil(t, report)
	require.ErrorIs(t, err, research.ErrCancelled)

	assert.Zero(t, synth.calls)
	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, research.StageCancelled, terminals[0].Stage)

	state, ok := eng.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, research.StageCancelled, state.Stage)
}

func TestRunCancelledByCallerContext(t *testing.T) {
	started := make(chan struct{})
	blockUntilCancelled := func(ctx context.Context, tasks []research.Task, _ agents.RunOptions) map[string]research.TaskResult {
		close(started)
		<-ctx.Done()
		return map[string]research.TaskResult{}
	}

	scoper := &stubScoper{subs: []string{"alpha"}}
	eng := newTestEngine(t, scoper, &stubRunner{fn: blockUntilCancelled}, &stubSynthesizer{}, &sinkRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := eng.Run(ctx, deepRequest())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, research.ErrCancelled)
}

func TestRunFailsWhenSynthesisFails(t *testing.T) {
	scoper := &stubScoper{subs: []string{"alpha"}}
	synth := &stubSynthesizer{err: errors.New("synthesis: no renderable sections")}
	sink := &sinkRecorder{}
	eng := newTestEngine(t, scoper, &stubRunner{fn: succeedAll}, synth, sink)

	report, err := eng.Run(context.Background(), deepRequest())
	require.Error(t, err)
	assert.Nil(t, report)

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, research.StageFailed, terminals[0].Stage)
}

func TestRunRecordsDuration(t *testing.T) {
	slow := func(ctx context.Context, tasks []research.Task, opts agents.RunOptions) map[string]research.TaskResult {
		time.Sleep(5 * time.Millisecond)
		return succeedAll(ctx, tasks, opts)
	}
	scoper := &stubScoper{subs: []string{"alpha"}}
	eng := newTestEngine(t, scoper, &stubRunner{fn: slow}, &stubSynthesizer{}, &sinkRecorder{})

	report, err := eng.Run(context.Background(), deepRequest())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Metadata.DurationMs, int64(1))
}

func TestCancelUnknownRun(t *testing.T) {
	eng := newTestEngine(t, &stubScoper{}, &stubRunner{fn: succeedAll}, &stubSynthesizer{}, &sinkRecorder{})
	assert.False(t, eng.Cancel("no-such-run"))
}

func TestWaitUnknownRun(t *testing.T) {
	eng := newTestEngine(t, &stubScoper{}, &stubRunner{fn: succeedAll}, &stubSynthesizer{}, &sinkRecorder{})
	_, err := eng.Wait(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestCancelAfterTerminalIsHarmless(t *testing.T) {
	scoper := &stubScoper{subs: []string{"alpha"}}
	eng := newTestEngine(t, scoper, &stubRunner{fn: succeedAll}, &stubSynthesizer{}, &sinkRecorder{})

	id, err := eng.Submit(deepRequest())
	require.NoError(t, err)
	_, err = eng.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.True(t, eng.Cancel(id))
	state, ok := eng.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, research.StageDone, state.Stage)
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	started := make(chan struct{})
	blockUntilCancelled := func(ctx context.Context, tasks []research.Task, _ agents.RunOptions) map[string]research.TaskResult {
		close(started)
		<-ctx.Done()
		return map[string]research.TaskResult{}
	}

	scoper := &stubScoper{subs: []string{"alpha"}}
	eng := newTestEngine(t, scoper, &stubRunner{fn: blockUntilCancelled}, &stubSynthesizer{}, &sinkRecorder{})

	id, err := eng.Submit(deepRequest())
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	report, err := eng.Wait(context.Background(), id)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, research.ErrCancelled)
}
