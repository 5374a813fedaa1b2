// Package health aggregates component probes into liveness and
// readiness signals for the HTTP endpoints. Each registered Checker
// probes one dependency; the Manager fans out checks in parallel and
// folds the results into an overall status.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus grades a single probe or the aggregate.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the textual form so API consumers never see the
// internal ordering.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *CheckStatus) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	switch text {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	default:
		*s = StatusUnhealthy
	}
	return nil
}

// CheckResult is the outcome of one component probe.
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Checker probes a single dependency. Check must honor ctx; the
// Manager additionally abandons checks that overrun their Timeout.
type Checker interface {
	Name() string
	Critical() bool
	Timeout() time.Duration
	Check(ctx context.Context) CheckResult
}

// Summary is the aggregate health of the process. Ready is false only
// while a critical dependency is unhealthy.
type Summary struct {
	Status    CheckStatus            `json:"status"`
	Ready     bool                   `json:"ready"`
	CheckedAt time.Time              `json:"checked_at"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Register adds a checker. Later registrations with the same name are
// kept alongside earlier ones; names are expected to be unique.
func (m *Manager) Register(c Checker) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkers {
		if existing.Name() == c.Name() {
			m.logger.Warn("Duplicate health checker registered", zap.String("component", c.Name()))
		}
	}
	m.checkers = append(m.checkers, c)
}

// Evaluate runs every checker in parallel, each bounded by its own
// timeout, and folds the results. A checker that ignores its context
// and hangs is reported unhealthy without blocking the others.
func (m *Manager) Evaluate(ctx context.Context) Summary {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	summary := Summary{
		Status:    StatusHealthy,
		Ready:     true,
		CheckedAt: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(results)),
	}
	for _, r := range results {
		summary.Checks[r.Component] = r
		switch r.Status {
		case StatusUnhealthy:
			if r.Critical {
				summary.Status = StatusUnhealthy
				summary.Ready = false
			} else if summary.Status != StatusUnhealthy {
				summary.Status = StatusDegraded
			}
		case StatusDegraded:
			if summary.Status == StatusHealthy {
				summary.Status = StatusDegraded
			}
		}
	}
	return summary
}

func (m *Manager) runCheck(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		done <- c.Check(cctx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-cctx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   cctx.Err().Error(),
		}
		m.logger.Warn("Health check timed out",
			zap.String("component", c.Name()),
			zap.Duration("timeout", timeout))
	}

	result.Component = c.Name()
	result.Critical = c.Critical()
	result.Duration = time.Since(start)
	result.CheckedAt = time.Now().UTC()
	return result
}
