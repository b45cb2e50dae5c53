// Package telemetry wires the client's internal snapshots into
// Prometheus gauges/counters, grounded on the teacher's
// internal/observability/metrics.go.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nshkrdotcom/gemini-go/internal/ratelimitcore"
)

// Metrics is the client's Prometheus surface. Construct one per process
// with NewMetrics and thread it through Client options; nil-safe methods
// let callers skip wiring it entirely.
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TokensUsed       *prometheus.CounterVec
	RetryCounter     *prometheus.CounterVec
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ActiveStreams    prometheus.Gauge
	ActivePermits    *prometheus.GaugeVec
	RateLimitWaits   *prometheus.CounterVec
	LiveSessions     prometheus.Gauge
	LiveReconnects   *prometheus.CounterVec
}

// NewMetrics creates and registers every metric against Prometheus's
// default registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemini_client_requests_total",
				Help: "Total number of generateContent/streamGenerateContent requests by model, backend and status",
			},
			[]string{"model", "backend", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gemini_client_request_duration_seconds",
				Help:    "Duration of generateContent requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model", "backend"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemini_client_tokens_total",
				Help: "Total tokens accounted for by model and type (prompt|candidates|thoughts|cached)",
			},
			[]string{"model", "type"},
		),

		RetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemini_client_retries_total",
				Help: "Total retry attempts by model and classification (retry|fatal)",
			},
			[]string{"model", "classification"},
		),

		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemini_client_tool_executions_total",
				Help: "Total tool invocations by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gemini_client_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gemini_client_active_streams",
				Help: "Current number of active SSE streams under the Streaming Manager",
			},
		),

		ActivePermits: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gemini_client_active_permits",
				Help: "Current number of held concurrency permits by model",
			},
			[]string{"model"},
		),

		RateLimitWaits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemini_client_rate_limit_waits_total",
				Help: "Total times a call waited on the rate limiter by model and reason (embargo|budget|capacity)",
			},
			[]string{"model", "reason"},
		),

		LiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gemini_client_live_sessions",
				Help: "Current number of open Live Sessions",
			},
		),

		LiveReconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemini_client_live_reconnects_total",
				Help: "Total Live Session reconnect attempts by trigger (transport_error|go_away)",
			},
			[]string{"trigger"},
		),
	}
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(model, backend, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(model, backend, status).Inc()
	m.RequestDuration.WithLabelValues(model, backend).Observe(durationSeconds)
}

// RecordTokens folds a generateContent call's usage metadata in.
func (m *Metrics) RecordTokens(model string, prompt, candidates, thoughts, cached int32) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if candidates > 0 {
		m.TokensUsed.WithLabelValues(model, "candidates").Add(float64(candidates))
	}
	if thoughts > 0 {
		m.TokensUsed.WithLabelValues(model, "thoughts").Add(float64(thoughts))
	}
	if cached > 0 {
		m.TokensUsed.WithLabelValues(model, "cached").Add(float64(cached))
	}
}

// RecordRetry records one retry-classification outcome.
func (m *Metrics) RecordRetry(model, classification string) {
	if m == nil {
		return
	}
	m.RetryCounter.WithLabelValues(model, classification).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	m.ToolDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// SetActiveStreams sets the current stream gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(n))
}

// RecordRateLimitWait records a call blocking on the rate limiter.
func (m *Metrics) RecordRateLimitWait(model, reason string) {
	if m == nil {
		return
	}
	m.RateLimitWaits.WithLabelValues(model, reason).Inc()
}

// RecordLiveReconnect records one Live Session reconnect attempt.
func (m *Metrics) RecordLiveReconnect(trigger string) {
	if m == nil {
		return
	}
	m.LiveReconnects.WithLabelValues(trigger).Inc()
}

// IncLiveSessions increments the open-Live-Session gauge.
func (m *Metrics) IncLiveSessions() {
	if m == nil {
		return
	}
	m.LiveSessions.Inc()
}

// DecLiveSessions decrements the open-Live-Session gauge.
func (m *Metrics) DecLiveSessions() {
	if m == nil {
		return
	}
	m.LiveSessions.Dec()
}

// SyncPermits mirrors a rate-limit store snapshot's active-permit count
// into the gauge, so the two never drift.
func (m *Metrics) SyncPermits(model string, snapshot ratelimitcore.Snapshot) {
	if m == nil {
		return
	}
	m.ActivePermits.WithLabelValues(model).Set(float64(snapshot.ActivePermits))
}
