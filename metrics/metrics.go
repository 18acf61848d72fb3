package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "security"

// Metrics groups the collectors shared by the recorder, the enforcement
// middleware, the analyzer and the blocklist store. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsRecorded  *prometheus.CounterVec
	recordFailures  prometheus.Counter
	sinkFailures    prometheus.Counter
	blockedRequests prometheus.Counter
	blocklistSize   prometheus.Gauge
	blocklistLoads  *prometheus.CounterVec
	analysisRuns    *prometheus.CounterVec
	analysisTime    prometheus.Histogram
	skippedLines    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Security events appended to the log partitions",
		}, []string{"type", "severity"}),
		recordFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_record_failures_total",
			Help:      "Security events that could not be appended",
		}),
		sinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Security events a downstream sink failed to accept",
		}),
		blockedRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests_total",
			Help:      "Requests rejected because the source address is blocked",
		}),
		blocklistSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocklist_size",
			Help:      "Number of addresses currently blocked",
		}),
		blocklistLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocklist_loads_total",
			Help:      "Blocklist snapshot loads by result",
		}, []string{"result"}),
		analysisRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_runs_total",
			Help:      "Log analysis passes by result",
		}, []string{"result"}),
		analysisTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time spent on one log analysis pass",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		skippedLines: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_skipped_lines_total",
			Help:      "Malformed log lines skipped during analysis",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the private registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventRecorded(eventType, severity string) {
	if m == nil {
		return
	}
	m.eventsRecorded.WithLabelValues(eventType, severity).Inc()
}

func (m *Metrics) RecordFailed() {
	if m == nil {
		return
	}
	m.recordFailures.Inc()
}

func (m *Metrics) SinkFailed() {
	if m == nil {
		return
	}
	m.sinkFailures.Inc()
}

func (m *Metrics) RequestBlocked() {
	if m == nil {
		return
	}
	m.blockedRequests.Inc()
}

func (m *Metrics) SetBlocklistSize(n int) {
	if m == nil {
		return
	}
	m.blocklistSize.Set(float64(n))
}

func (m *Metrics) BlocklistLoaded(err error) {
	if m == nil {
		return
	}
	m.blocklistLoads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) AnalysisCompleted(seconds float64, skipped int, err error) {
	if m == nil {
		return
	}
	m.analysisRuns.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.analysisTime.Observe(seconds)
	}
	m.skippedLines.Add(float64(skipped))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
