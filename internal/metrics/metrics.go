package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"mode", "preset"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_run_duration_seconds",
			Help:    "End-to-end run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_stage_duration_seconds",
			Help:    "Per-stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Task metrics
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_tasks_completed_total",
			Help: "Total number of research tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TaskAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "atlas_task_attempts",
			Help:    "Attempts consumed per task before a terminal status",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	TaskExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "atlas_task_execution_duration_ms",
			Help:    "Single task attempt duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_active_workers",
			Help: "Research workers currently executing a task",
		},
	)

	TasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_tasks_queued",
			Help: "Tasks waiting for a worker slot",
		},
	)

	// Evidence metrics
	EvidenceNotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_evidence_notes_total",
			Help: "Evidence notes by aggregation disposition",
		},
		[]string{"disposition"},
	)

	EvidenceConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_evidence_conflicts_total",
			Help: "Conflicting claims detected during aggregation",
		},
	)

	// Provider metrics
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_provider_requests_total",
			Help: "Calls to external capabilities",
		},
		[]string{"provider", "capability", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_provider_latency_seconds",
			Help:    "External capability call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "capability"},
	)

	ThrottleWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "atlas_throttle_wait_seconds",
			Help:    "Time spent waiting on the shared provider throttle",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5},
		},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_stream_subscribers",
			Help: "Active progress stream subscribers",
		},
	)

	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_stream_events_published_total",
			Help: "Progress events published to the streaming manager",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_stream_events_dropped_total",
			Help: "Progress events dropped due to slow subscribers",
		},
	)

	// Preset metrics
	PresetsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_presets_loaded_total",
			Help: "Preset templates loaded from disk",
		},
		[]string{"name"},
	)

	PresetValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_preset_validation_errors_total",
			Help: "Preset templates rejected during load",
		},
		[]string{"code"},
	)
)

// RecordRunMetrics records metrics for a completed run.
func RecordRunMetrics(mode, status string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(mode, status).Inc()
	RunDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordTaskMetrics records metrics for a task that reached a terminal status.
func RecordTaskMetrics(status string, attempts int) {
	TasksCompleted.WithLabelValues(status).Inc()
	if attempts > 0 {
		TaskAttempts.Observe(float64(attempts))
	}
}

// RecordProviderMetrics records one external capability call.
func RecordProviderMetrics(provider, capability, status string, durationSeconds float64) {
	ProviderRequests.WithLabelValues(provider, capability, status).Inc()
	if durationSeconds > 0 {
		ProviderLatency.WithLabelValues(provider, capability).Observe(durationSeconds)
	}
}

// RecordStageMetrics records the duration of one pipeline stage.
func RecordStageMetrics(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}
