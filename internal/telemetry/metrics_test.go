package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/nshkrdotcom/gemini-go/internal/ratelimitcore"
)

// TestMetricsRecording exercises every recorder method against one
// process-lifetime Metrics instance (promauto registers against the
// default registry, so only one NewMetrics call is safe per process).
func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("gemini-3-flash", "gemini_api", "success", 0.42)
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestCounter))

	m.RecordTokens("gemini-3-flash", 100, 50, 10, 0)
	assert.Equal(t, float64(100), testutil.ToFloat64(m.TokensUsed.WithLabelValues("gemini-3-flash", "prompt")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.TokensUsed.WithLabelValues("gemini-3-flash", "candidates")))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.TokensUsed.WithLabelValues("gemini-3-flash", "thoughts")))

	m.RecordRetry("gemini-3-flash", "retry")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetryCounter.WithLabelValues("gemini-3-flash", "retry")))

	m.RecordToolExecution("get_weather", "success", 0.01)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutions.WithLabelValues("get_weather", "success")))

	m.SetActiveStreams(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ActiveStreams))

	m.RecordRateLimitWait("gemini-3-flash", "embargo")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitWaits.WithLabelValues("gemini-3-flash", "embargo")))

	m.RecordLiveReconnect("go_away")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LiveReconnects.WithLabelValues("go_away")))

	m.SyncPermits("gemini-3-flash", ratelimitcore.Snapshot{ActivePermits: 2})
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActivePermits.WithLabelValues("gemini-3-flash")))

	m.IncLiveSessions()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LiveSessions))
	m.DecLiveSessions()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.LiveSessions))
}

func TestNilMetricsAreSafeNoOps(t *testing.T) {
	var m *Metrics
	m.RecordRequest("m", "b", "s", 1)
	m.RecordTokens("m", 1, 1, 1, 1)
	m.RecordRetry("m", "retry")
	m.RecordToolExecution("t", "success", 1)
	m.SetActiveStreams(1)
	m.RecordRateLimitWait("m", "budget")
	m.RecordLiveReconnect("transport_error")
	m.SyncPermits("m", ratelimitcore.Snapshot{})
	m.IncLiveSessions()
	m.DecLiveSessions()
}
