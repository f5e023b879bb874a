package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recording(t *testing.T) {
	m := New()

	m.SessionStarted("start")
	m.SessionStarted("resume")
	m.SessionEnded("completed", "selector-terminated")
	m.Turn("Critique", "completed", 2*time.Second)
	m.Selection("speak")
	m.ToolCall("search", "ok", 100*time.Millisecond)
	m.ToolCall("search", "timeout", time.Second)
	m.Checkpoint("conflict")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsStarted.WithLabelValues("resume")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TerminationsTotal.WithLabelValues("completed", "selector-terminated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TurnsTotal.WithLabelValues("Critique", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search", "timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CheckpointsTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolCallDuration))
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted("start")
		m.Turn("a", "completed", time.Second)
		m.ToolCall("t", "ok", time.Second)
		m.Checkpoint("ok")
		m.Selection("speak")
		m.SessionEnded("failed", "store-io-failure")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Selection("terminate")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `researchmesh_selections_total{outcome="terminate"} 1`)
}
