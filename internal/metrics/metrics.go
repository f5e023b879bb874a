// Package metrics holds the Prometheus instruments of the orchestration engine.
//
// All recording methods are safe to call on a nil *Metrics, which disables
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "researchmesh"

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsStarted   *prometheus.CounterVec
	TerminationsTotal *prometheus.CounterVec

	// Turn metrics
	TurnsTotal     *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
	SelectionTotal *prometheus.CounterVec

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Store metrics
	CheckpointsTotal *prometheus.CounterVec
}

// New creates all metrics and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of sessions currently running",
			},
		),
		SessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of run attempts started",
			},
			[]string{"mode"},
		),
		TerminationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_terminations_total",
				Help:      "Total number of run attempts ended, by state and reason",
			},
			[]string{"state", "reason"},
		),
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of agent turns, by outcome",
			},
			[]string{"agent", "outcome"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Duration of agent turns in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		SelectionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of turn selections, by outcome",
			},
			[]string{"outcome"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of dispatched tool calls, by status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Duration of tool calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		CheckpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_total",
				Help:      "Total number of session checkpoints, by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsStarted,
		m.TerminationsTotal,
		m.TurnsTotal,
		m.TurnDuration,
		m.SelectionTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.CheckpointsTotal,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionStarted records a new run attempt; mode is "start" or "resume".
func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(mode).Inc()
	m.SessionsActive.Inc()
}

// SessionEnded records the end of a run attempt.
func (m *Metrics) SessionEnded(state, reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.TerminationsTotal.WithLabelValues(state, reason).Inc()
}

// Turn records a finished or aborted agent turn.
func (m *Metrics) Turn(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(agent, outcome).Inc()
	m.TurnDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// Selection records a selector outcome ("speak", "terminate", "turn-limit", "error").
func (m *Metrics) Selection(outcome string) {
	if m == nil {
		return
	}
	m.SelectionTotal.WithLabelValues(outcome).Inc()
}

// ToolCall records a dispatched tool call.
func (m *Metrics) ToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Checkpoint records a checkpoint outcome ("ok", "conflict", "error").
func (m *Metrics) Checkpoint(outcome string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(outcome).Inc()
}
