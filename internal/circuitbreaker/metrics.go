package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	circuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name"},
	)
)

// recordStateChange updates the state gauges and change counter. Installed as
// the OnStateChange hook by ObserveStateChanges.
func recordStateChange(name string, from, to State) {
	circuitBreakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	circuitBreakerState.WithLabelValues(name).Set(float64(to))

	if to == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(name).SetToCurrentTime()
	} else if from == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(name).Set(0)
	}
}

// recordRequest records a request outcome for a named breaker.
func recordRequest(name string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	circuitBreakerRequests.WithLabelValues(name, result).Inc()
}

// ObserveStateChanges wires Prometheus state tracking into a breaker config,
// chaining any callback already present.
func ObserveStateChanges(cfg Config) Config {
	prev := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		if prev != nil {
			prev(name, from, to)
		}
		recordStateChange(name, from, to)
	}
	return cfg
}
