package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the docsage Prometheus metrics.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: mode (ask|stream|direct), outcome (committed|transient|degraded|busy|cancelled|internal)
	TurnCounter *prometheus.CounterVec

	// LLMRequestCounter counts language model calls, one per attempt.
	// Labels: provider, phase (plan|synthesize|direct), status (success or the llm failure reason)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures language model call latency in seconds.
	// Labels: provider, phase
	LLMRequestDuration *prometheus.HistogramVec

	// ToolInvocationCounter counts tool server invocations.
	// Labels: tool, status (success|remote_error|timeout|protocol_error|crash|cancelled)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool invocation latency in seconds.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// ToolServerRestarts counts tool server process restarts.
	// Labels: reason (crash|recycle)
	ToolServerRestarts *prometheus.CounterVec

	// ToolServerState is 1 for the current state of each supervisor and 0 otherwise.
	// Labels: state
	ToolServerState *prometheus.GaugeVec

	// ActiveSessions is the number of started, not yet ended sessions.
	ActiveSessions prometheus.Gauge

	// HistoryEvictedTurns counts turn-pairs removed by truncation.
	HistoryEvictedTurns prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsage_turns_total",
				Help: "Total number of finished turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsage_llm_requests_total",
				Help: "Total number of language model requests by provider, phase, and status",
			},
			[]string{"provider", "phase", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docsage_llm_request_duration_seconds",
				Help:    "Duration of language model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "phase"},
		),

		ToolInvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsage_tool_invocations_total",
				Help: "Total number of tool server invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docsage_tool_invocation_duration_seconds",
				Help:    "Duration of tool server invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ToolServerRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docsage_toolserver_restarts_total",
				Help: "Total number of tool server process restarts by reason",
			},
			[]string{"reason"},
		),

		ToolServerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docsage_toolserver_state",
				Help: "Number of supervisors currently in each state",
			},
			[]string{"state"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "docsage_active_sessions",
				Help: "Current number of active sessions",
			},
		),

		HistoryEvictedTurns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "docsage_history_evicted_turns_total",
				Help: "Total number of turn-pairs evicted by history truncation",
			},
		),
	}
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(mode, outcome string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(mode, outcome).Inc()
}

// RecordLLMRequest records one language model attempt.
func (m *Metrics) RecordLLMRequest(provider, phase, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, phase, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, phase).Observe(durationSeconds)
}

// RecordToolInvocation records one tool server invocation.
func (m *Metrics) RecordToolInvocation(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolInvocationCounter.WithLabelValues(tool, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordToolServerRestart counts a process restart.
func (m *Metrics) RecordToolServerRestart(reason string) {
	if m == nil {
		return
	}
	m.ToolServerRestarts.WithLabelValues(reason).Inc()
}

// ToolServerTransition moves one supervisor from one state to another.
// An empty from means the supervisor is new.
func (m *Metrics) ToolServerTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.ToolServerState.WithLabelValues(from).Dec()
	}
	m.ToolServerState.WithLabelValues(to).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordEvictedTurns counts turn-pairs removed by truncation.
func (m *Metrics) RecordEvictedTurns(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryEvictedTurns.Add(float64(n))
}
