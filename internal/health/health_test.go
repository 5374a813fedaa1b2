package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	result   CheckResult
	block    bool
}

func (s *stubChecker) Name() string   { return s.name }
func (s *stubChecker) Critical() bool { return s.critical }

func (s *stubChecker) Timeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return time.Second
}

func (s *stubChecker) Check(ctx context.Context) CheckResult {
	if s.block {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	}
	return s.result
}

func healthy(name string) *stubChecker {
	return &stubChecker{name: name, result: CheckResult{Status: StatusHealthy, Message: "ok"}}
}

func TestEvaluateAllHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(healthy("providers"))
	m.Register(healthy("redis"))

	summary := m.Evaluate(context.Background())

	assert.Equal(t, StatusHealthy, summary.Status)
	assert.True(t, summary.Ready)
	require.Len(t, summary.Checks, 2)
	assert.Equal(t, "providers", summary.Checks["providers"].Component)
	assert.Equal(t, "ok", summary.Checks["redis"].Message)
}

func TestEvaluateCriticalFailureMarksUnready(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(healthy("redis"))
	m.Register(&stubChecker{
		name:     "providers",
		critical: true,
		result:   CheckResult{Status: StatusUnhealthy, Error: "no search provider"},
	})

	summary := m.Evaluate(context.Background())

	assert.Equal(t, StatusUnhealthy, summary.Status)
	assert.False(t, summary.Ready)
	assert.True(t, summary.Checks["providers"].Critical)
}

func TestEvaluateNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(healthy("providers"))
	m.Register(&stubChecker{
		name:   "redis",
		result: CheckResult{Status: StatusUnhealthy, Error: "connection refused"},
	})

	summary := m.Evaluate(context.Background())

	assert.Equal(t, StatusDegraded, summary.Status)
	assert.True(t, summary.Ready, "non-critical failures must not block readiness")
}

func TestEvaluateAbandonsHangingChecker(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(&stubChecker{name: "slow", timeout: 20 * time.Millisecond, block: true})

	start := time.Now()
	summary := m.Evaluate(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	check := summary.Checks["slow"]
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.NotEmpty(t, check.Error)
}

func TestEvaluateNormalizesResultFields(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(&stubChecker{name: "presets", result: CheckResult{Status: StatusHealthy}})

	summary := m.Evaluate(context.Background())

	check := summary.Checks["presets"]
	assert.Equal(t, "presets", check.Component)
	assert.False(t, check.CheckedAt.IsZero())
}

func TestStatusJSONEncoding(t *testing.T) {
	raw, err := json.Marshal(CheckResult{Component: "redis", Status: StatusDegraded})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"degraded"`)
}

func TestProviderCheckerRequiresBothCapabilities(t *testing.T) {
	c := NewProviderChecker(nil, nil)
	result := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "search")
}

func TestPresetCheckerWithoutRegistry(t *testing.T) {
	c := NewPresetChecker(nil)
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func newHealthServer(t *testing.T, m *Manager) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLivenessAlwaysOK(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(&stubChecker{
		name:     "providers",
		critical: true,
		result:   CheckResult{Status: StatusUnhealthy, Error: "down"},
	})
	srv := newHealthServer(t, m)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessReflectsCriticalChecks(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	failing := &stubChecker{
		name:     "providers",
		critical: true,
		result:   CheckResult{Status: StatusUnhealthy, Error: "down"},
	}
	m.Register(failing)
	srv := newHealthServer(t, m)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Ready  bool   `json:"ready"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.False(t, body.Ready)

	failing.result = CheckResult{Status: StatusHealthy}
	resp2, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestDetailedIncludesEveryCheck(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(healthy("providers"))
	m.Register(&stubChecker{
		name:   "redis",
		result: CheckResult{Status: StatusUnhealthy, Error: errors.New("dial tcp: refused").Error()},
	})
	srv := newHealthServer(t, m)

	resp, err := http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "degraded is still serving")

	var summary Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Len(t, summary.Checks, 2)
	assert.True(t, summary.Ready)
}
