package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the command gateway.
type Metrics struct {
	Registry *prometheus.Registry

	CommandsSubmitted  *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	ActiveExecutions   prometheus.Gauge
	PendingCommands    prometheus.Gauge
	SweepTimeoutsTotal prometheus.Counter
	DiscoveryTotal     *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	RequestsInFlight   prometheus.Gauge
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		CommandsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "commands_submitted_total",
				Help:      "Submitted commands by policy decision (executed, queued).",
			},
			[]string{"decision"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "executions_total",
				Help:      "Container executions by error kind.",
			},
			[]string{"error_kind"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "execution_duration_seconds",
				Help:      "Duration of container executions in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "active_executions",
				Help:      "Number of currently running container executions.",
			},
		),

		PendingCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "pending_commands",
				Help:      "Commands currently awaiting approval.",
			},
		),

		SweepTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "sweep_timeouts_total",
				Help:      "Pending commands expired by the timeout sweep.",
			},
		),

		DiscoveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "container_discovery_total",
				Help:      "Container discovery calls by source (cache, runtime).",
			},
			[]string{"source"},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "events_dropped_total",
				Help:      "Events dropped because a subscriber was too slow.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.CommandsSubmitted,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.PendingCommands,
		m.SweepTimeoutsTotal,
		m.DiscoveryTotal,
		m.EventsDropped,
		m.RequestsInFlight,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(errorKind string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(errorKind).Inc()
	m.ExecutionDuration.Observe(durationSec)
}

// RecordSubmission records a policy decision for a submitted command.
func (m *Metrics) RecordSubmission(decision string) {
	m.CommandsSubmitted.WithLabelValues(decision).Inc()
}
