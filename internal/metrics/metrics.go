// Package metrics exposes Prometheus instrumentation for ingestion, export, and HTTP traffic.
// Every method is safe on a nil *Metrics so components can run uninstrumented in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reading outcomes recorded by the ingestion pipeline.
const (
	OutcomeAccepted     = "accepted"
	OutcomeMalformed    = "malformed"
	OutcomeUnregistered = "unregistered"
)

type Metrics struct {
	registry *prometheus.Registry

	readings          *prometheus.CounterVec
	envelopesRejected *prometheus.CounterVec
	errorlogFailures  prometheus.Counter
	publishFailures   prometheus.Counter
	exports           *prometheus.CounterVec
	exportFallbacks   prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldroom_readings_total",
			Help: "Readings processed by the ingestion pipeline, by outcome.",
		}, []string{"outcome"}),
		envelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldroom_envelopes_rejected_total",
			Help: "Ingestion envelopes rejected before reaching the pipeline, by transport.",
		}, []string{"transport"}),
		errorlogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldroom_errorlog_write_failures_total",
			Help: "Ingestion error records that could not be persisted.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldroom_event_publish_failures_total",
			Help: "Accepted samples that could not be published to the event sink.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldroom_exports_total",
			Help: "Exports rendered, by effective format and aggregation.",
		}, []string{"format", "aggregation"}),
		exportFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldroom_export_fallbacks_total",
			Help: "Spreadsheet exports that fell back to CSV.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldroom_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldroom_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readings,
		m.envelopesRejected,
		m.errorlogFailures,
		m.publishFailures,
		m.exports,
		m.exportFallbacks,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and latency for next under the route label.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the private registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Reading(outcome string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EnvelopeRejected(transport string) {
	if m == nil {
		return
	}
	m.envelopesRejected.WithLabelValues(transport).Inc()
}

func (m *Metrics) ErrorLogWriteFailed() {
	if m == nil {
		return
	}
	m.errorlogFailures.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// Export records a rendered export; fellBack marks a spreadsheet request served as CSV.
func (m *Metrics) Export(format, aggregation string, fellBack bool) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(format, aggregation).Inc()
	if fellBack {
		m.exportFallbacks.Inc()
	}
}
