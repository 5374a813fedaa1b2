package agents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

// Supervisor defaults, used when the corresponding config value is
// unset.
const (
	DefaultMaxConcurrent = 4
	DefaultTaskTimeout   = 60 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultBackoffCap    = 10 * time.Second
	DefaultCancelGrace   = 2 * time.Second
)

// TaskExecutor runs one task attempt. Implemented by Worker.
type TaskExecutor interface {
	Execute(ctx context.Context, task research.Task, docSetRef string) ([]research.EvidenceNote, error)
}

// SupervisorConfig bounds the researching stage.
type SupervisorConfig struct {
	// MaxConcurrent is the worker pool ceiling.
	MaxConcurrent int
	// TaskTimeout bounds a single attempt.
	TaskTimeout time.Duration
	// MaxAttempts bounds retries per task, first attempt included.
	MaxAttempts int
	// BackoffBase scales the delay before retry n to n*BackoffBase.
	BackoffBase time.Duration
	// BackoffCap tops out the retry delay.
	BackoffCap time.Duration
	// RunDeadline bounds the whole stage; zero means unbounded.
	RunDeadline time.Duration
	// CancelGrace is how long in-flight attempts may keep running after
	// the run is cancelled before they are force-marked.
	CancelGrace time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	return c
}

// RunOptions carries the per-run knobs of a supervision round.
type RunOptions struct {
	// DocumentSetRef names a local document set workers consult in
	// addition to web search.
	DocumentSetRef string
	// OnUpdate observes every task status transition. Called from the
	// supervisor's collection loop only, never concurrently.
	OnUpdate func(taskID string, status research.TaskStatus, attempt int, reason string)
}

// Supervisor fans tasks out over a bounded pool and owns the task
// status table. All mutations happen on its collection goroutine, one
// per status transition; workers report upward through a channel and
// never touch shared state.
type Supervisor struct {
	executor TaskExecutor
	cfg      SupervisorConfig
	logger   *zap.Logger
}

// NewSupervisor builds a supervisor around an executor.
func NewSupervisor(executor TaskExecutor, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		executor: executor,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// taskUpdate is one status transition reported by a task goroutine.
type taskUpdate struct {
	taskID   string
	status   research.TaskStatus
	attempt  int
	notes    []research.EvidenceNote
	reason   string
	err      error
	terminal bool
}

// Run executes every task and returns a terminal result for each one.
// It returns when all tasks are terminal, when the run deadline
// expires (unfinished tasks are marked failed with reason
// deadline_exceeded; collected results are kept), or when ctx is
// cancelled and the grace window has passed (unfinished tasks are
// marked failed with reason cancelled). A task failure never aborts
// sibling tasks.
func (s *Supervisor) Run(ctx context.Context, tasks []research.Task, opts RunOptions) map[string]research.TaskResult {
	results := make(map[string]research.TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	// Detached from ctx so in-flight attempts survive cancellation for
	// the grace window.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	// Closing the gate stops new attempts from starting.
	gate := make(chan struct{})
	var gateOnce sync.Once
	closeGate := func() { gateOnce.Do(func() { close(gate) }) }
	defer closeGate()

	// Sized so no sender can ever block: per task, one running and one
	// timed_out update per attempt, plus one terminal update.
	updates := make(chan taskUpdate, len(tasks)*(2*s.cfg.MaxAttempts+1))
	sem := make(chan struct{}, s.cfg.MaxConcurrent)

	for _, task := range tasks {
		results[task.ID] = research.TaskResult{TaskID: task.ID, Status: research.TaskPending}
		go s.runTask(execCtx, gate, sem, updates, task, opts.DocumentSetRef)
	}

	var deadlineCh <-chan time.Time
	if s.cfg.RunDeadline > 0 {
		dt := time.NewTimer(s.cfg.RunDeadline)
		defer dt.Stop()
		deadlineCh = dt.C
	}

	var graceCh <-chan time.Time
	done := ctx.Done()
	remaining := len(tasks)

	for remaining > 0 {
		select {
		case u := <-updates:
			if s.apply(results, u, opts) {
				remaining--
			}

		case <-deadlineCh:
			deadlineCh = nil
			closeGate()
			execCancel()
			remaining -= s.drain(results, updates, opts)
			s.resolveUnfinished(results, research.ReasonDeadlineExceeded, opts)
			s.logger.Warn("Run deadline exceeded, returning partial results",
				zap.Duration("deadline", s.cfg.RunDeadline),
			)
			remaining = 0

		case <-done:
			done = nil
			closeGate()
			gt := time.NewTimer(s.cfg.CancelGrace)
			defer gt.Stop()
			graceCh = gt.C
			s.logger.Info("Cancellation observed, letting in-flight tasks finish",
				zap.Duration("grace", s.cfg.CancelGrace),
			)

		case <-graceCh:
			graceCh = nil
			execCancel()
			remaining -= s.drain(results, updates, opts)
			s.resolveUnfinished(results, research.ReasonCancelled, opts)
			remaining = 0
		}
	}

	return results
}

// apply records one status transition. Reports whether the update
// resolved a task. Updates for already-terminal tasks are ignored.
func (s *Supervisor) apply(results map[string]research.TaskResult, u taskUpdate, opts RunOptions) bool {
	current := results[u.taskID]
	if current.Status.Terminal() {
		return false
	}

	if u.terminal {
		results[u.taskID] = research.TaskResult{
			TaskID:   u.taskID,
			Status:   u.status,
			Attempts: u.attempt,
			Notes:    u.notes,
			Reason:   u.reason,
			Err:      u.err,
		}
		metrics.RecordTaskMetrics(string(u.status), u.attempt)
	} else {
		current.Status = u.status
		current.Attempts = u.attempt
		results[u.taskID] = current
	}

	if opts.OnUpdate != nil {
		opts.OnUpdate(u.taskID, u.status, u.attempt, u.reason)
	}
	return u.terminal
}

// drain consumes already-buffered updates so results that finished
// before a deadline or forced cancel are not lost. Returns how many
// tasks it resolved.
func (s *Supervisor) drain(results map[string]research.TaskResult, updates <-chan taskUpdate, opts RunOptions) int {
	resolved := 0
	for {
		select {
		case u := <-updates:
			if s.apply(results, u, opts) {
				resolved++
			}
		default:
			return resolved
		}
	}
}

// resolveUnfinished force-marks every non-terminal task as failed with
// the given reason.
func (s *Supervisor) resolveUnfinished(results map[string]research.TaskResult, reason string, opts RunOptions) {
	for id, r := range results {
		if r.Status.Terminal() {
			continue
		}
		results[id] = research.TaskResult{
			TaskID:   id,
			Status:   research.TaskFailed,
			Attempts: r.Attempts,
			Reason:   reason,
		}
		metrics.RecordTaskMetrics(string(research.TaskFailed), r.Attempts)
		if opts.OnUpdate != nil {
			opts.OnUpdate(id, research.TaskFailed, r.Attempts, reason)
		}
	}
}

// runTask drives one task through its attempt loop and reports the
// terminal update. It never starts an attempt after the gate closes.
func (s *Supervisor) runTask(execCtx context.Context, gate <-chan struct{}, sem chan struct{}, updates chan<- taskUpdate, task research.Task, docSetRef string) {
	metrics.TasksQueued.Inc()
	acquired := false
	select {
	case <-gate:
	case <-execCtx.Done():
	case sem <- struct{}{}:
		acquired = true
	}
	metrics.TasksQueued.Dec()
	if !acquired {
		return
	}
	defer func() { <-sem }()

	// The gate may have closed while this task held a slot request.
	select {
	case <-gate:
		return
	default:
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	logger := s.logger.With(
		zap.String("task_id", task.ID),
		zap.String("worker", workerCallSign(task.ID)),
	)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if execCtx.Err() != nil {
			return
		}

		updates <- taskUpdate{taskID: task.ID, status: research.TaskRunning, attempt: attempt}

		attemptCtx, cancel := context.WithTimeout(execCtx, s.cfg.TaskTimeout)
		start := time.Now()
		notes, err := s.executor.Execute(attemptCtx, task, docSetRef)
		elapsed := time.Since(start)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && execCtx.Err() == nil
		cancel()

		metrics.TaskExecutionDuration.Observe(float64(elapsed.Milliseconds()))

		if err == nil {
			logger.Info("Task succeeded",
				zap.Int("attempt", attempt),
				zap.Int("notes", len(notes)),
				zap.Duration("elapsed", elapsed),
			)
			updates <- taskUpdate{
				taskID:   task.ID,
				status:   research.TaskSucceeded,
				attempt:  attempt,
				notes:    notes,
				terminal: true,
			}
			return
		}

		if execCtx.Err() != nil {
			// Run-level deadline or forced cancel; the collection loop
			// owns the final mark.
			return
		}

		lastErr = err
		if timedOut {
			logger.Warn("Task attempt timed out",
				zap.Int("attempt", attempt),
				zap.Duration("timeout", s.cfg.TaskTimeout),
			)
			updates <- taskUpdate{taskID: task.ID, status: research.TaskTimedOut, attempt: attempt}
		} else {
			logger.Warn("Task attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}

		if attempt < s.cfg.MaxAttempts {
			if !sleepBackoff(execCtx, backoffDelay(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap)) {
				return
			}
		}
	}

	logger.Warn("Task failed permanently", zap.Int("attempts", s.cfg.MaxAttempts), zap.Error(lastErr))
	updates <- taskUpdate{
		taskID:   task.ID,
		status:   research.TaskFailed,
		attempt:  s.cfg.MaxAttempts,
		reason:   research.ReasonAttemptsExhausted,
		err:      lastErr,
		terminal: true,
	}
}

// backoffDelay grows linearly with the attempt count and never
// decreases: base, 2*base, 3*base, ... capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(attempt)
	if max > 0 && d > max {
		d = max
	}
	return d
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
