package policy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_policy_evaluations_total",
			Help: "Source admission evaluations by decision and mode",
		},
		[]string{"decision", "mode"},
	)

	evaluationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "atlas_policy_evaluation_seconds",
			Help:    "Source admission evaluation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_policy_cache_hits_total",
			Help: "Decision cache hits",
		},
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_policy_cache_misses_total",
			Help: "Decision cache misses",
		},
	)

	policiesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_policy_modules_loaded",
			Help: "Rego modules currently compiled into the engine",
		},
	)
)

func recordEvaluation(d Decision, mode Mode, elapsed time.Duration) {
	decision := "deny"
	if d.Allow {
		decision = "allow"
		if d.DryRunOverride {
			decision = "dry_run_override"
		}
	}
	evaluations.WithLabelValues(decision, string(mode)).Inc()
	evaluationLatency.Observe(elapsed.Seconds())
}
