package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.EventRecorded("server_error", "critical")
	m.EventRecorded("server_error", "critical")
	m.RequestBlocked()
	m.SetBlocklistSize(3)
	m.AnalysisCompleted(0.01, 2, nil)
	m.AnalysisCompleted(0, 0, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsRecorded.WithLabelValues("server_error", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blockedRequests))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.blocklistSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.analysisRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.analysisRuns.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.skippedLines))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.EventRecorded("x", "low")
		m.RecordFailed()
		m.SinkFailed()
		m.RequestBlocked()
		m.SetBlocklistSize(1)
		m.BlocklistLoaded(nil)
		m.AnalysisCompleted(1, 1, nil)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RequestBlocked()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "security_blocked_requests_total 1")
}
