package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/resilience"
)

// Metrics holds the ingest engine's Prometheus collectors.
type Metrics struct {
	eventsApplied      *prometheus.CounterVec
	versionsCreated    prometheus.Counter
	versionsTerminated prometheus.Counter
	observations       *prometheus.CounterVec
	upstreamCircuit    *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blarser",
			Subsystem: "ingest",
			Name:      "events_applied_total",
			Help:      "Events applied to entity DAGs, by source and kind.",
		}, []string{"source", "kind"}),
		versionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blarser",
			Subsystem: "ingest",
			Name:      "versions_created_total",
			Help:      "Successor versions created by event application.",
		}),
		versionsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blarser",
			Subsystem: "ingest",
			Name:      "versions_terminated_total",
			Help:      "Versions terminated directly, excluding cascades.",
		}),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blarser",
			Subsystem: "chron",
			Name:      "observations_total",
			Help:      "Observation placements, by outcome.",
		}, []string{"outcome"}),
		upstreamCircuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blarser",
			Subsystem: "upstream",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per upstream: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
	}
	reg.MustRegister(m.eventsApplied, m.versionsCreated, m.versionsTerminated, m.observations, m.upstreamCircuit)
	return m
}

// UpstreamCircuitChanged records a circuit-breaker transition; pass it as
// the breaker's OnStateChange hook.
func (m *Metrics) UpstreamCircuitChanged(service string, _, to resilience.CircuitState) {
	m.upstreamCircuit.WithLabelValues(service).Set(float64(to))
}

// EventApplied records one event application and its DAG effects.
func (m *Metrics) EventApplied(e *model.Event, created, terminated int) {
	m.eventsApplied.WithLabelValues(string(e.Source), e.Kind).Inc()
	m.versionsCreated.Add(float64(created))
	m.versionsTerminated.Add(float64(terminated))
}

// VersionsTerminated records terminations outside event application.
func (m *Metrics) VersionsTerminated(n int) {
	m.versionsTerminated.Add(float64(n))
}

// ObservationOutcome records one observation placement outcome.
func (m *Metrics) ObservationOutcome(status model.ObservationStatus) {
	m.observations.WithLabelValues(string(status)).Inc()
}
