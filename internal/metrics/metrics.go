// Package metrics exposes Prometheus instruments for the HTTP surface and the video pipeline.
// All methods are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clipvault"

// Metrics groups the service's collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	uploads       *prometheus.CounterVec
	probeFailures prometheus.Counter
	splits        *prometheus.CounterVec
	splitSegments prometheus.Histogram
	processes     *prometheus.HistogramVec
	cleanups      *prometheus.CounterVec
	staleFailed   prometheus.Counter
}

// New registers all collectors on a fresh registry, together with Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "video_uploads_total",
			Help: "Finished uploads by resulting status.",
		}, []string{"status"}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "video_probe_failures_total",
			Help: "Uploads that finished without a duration because probing failed.",
		}),
		splits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "video_splits_total",
			Help: "Split requests by outcome.",
		}, []string{"result"}),
		splitSegments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "video_split_segments",
			Help:    "Segments produced per successful split.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		processes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "media_process_duration_seconds",
			Help:    "Wall time of ffprobe/ffmpeg invocations.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"tool", "result"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "object_cleanup_total",
			Help: "Best-effort object deletions by result.",
		}, []string{"result"}),
		staleFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_videos_failed_total",
			Help: "Videos moved to Failed by the stale sweeper.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.uploads, m.probeFailures,
		m.splits, m.splitSegments, m.processes, m.cleanups, m.staleFailed,
	)
	return m
}

// Registry returns the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// UploadFinished records the terminal status of a create request.
func (m *Metrics) UploadFinished(status string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(status).Inc()
}

// ProbeFailed records a soft probe failure.
func (m *Metrics) ProbeFailed() {
	if m == nil {
		return
	}
	m.probeFailures.Inc()
}

// SplitFinished records a split outcome; segments is only observed on success.
func (m *Metrics) SplitFinished(result string, segments int) {
	if m == nil {
		return
	}
	m.splits.WithLabelValues(result).Inc()
	if result == "ready" {
		m.splitSegments.Observe(float64(segments))
	}
}

// ObserveProcess implements media.Observer.
func (m *Metrics) ObserveProcess(tool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.processes.WithLabelValues(tool, result).Observe(elapsed.Seconds())
}

// CleanupFinished records a best-effort object deletion.
func (m *Metrics) CleanupFinished(result string) {
	if m == nil {
		return
	}
	m.cleanups.WithLabelValues(result).Inc()
}

// StaleFailed records videos failed by the sweeper.
func (m *Metrics) StaleFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleFailed.Add(float64(n))
}
