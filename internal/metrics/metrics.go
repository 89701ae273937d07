// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerExecutionsTotal        *prometheus.CounterVec
	crawlerRowsTotal              *prometheus.CounterVec
	crawlerAttemptDurationSeconds *prometheus.HistogramVec
	crawlerRetriesTotal           prometheus.Counter
	crawlerTriggerFiresTotal      prometheus.Counter
	crawlerActiveWorkers          prometheus.Gauge
	crawlerQueueDepth             *prometheus.GaugeVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerExecutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_executions_total",
				Help: "Total number of job executions, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		crawlerRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_rows_total",
				Help: "Total number of report rows written to sinks, labeled by platform.",
			},
			[]string{"platform"},
		)

		crawlerAttemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_attempt_duration_seconds",
				Help:    "Histogram of job attempt durations, labeled by platform.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"platform"},
		)

		crawlerRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of attempts scheduled for retry.",
			},
		)

		crawlerTriggerFiresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_trigger_fires_total",
				Help: "Total number of recurring trigger firings.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Number of queue entries, labeled by state.",
			},
			[]string{"state"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExecution counts one finished attempt for a platform.
func ObserveExecution(platform, outcome string) {
	crawlerExecutionsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveRows counts rows written to a sink.
func ObserveRows(platform string, rows int) {
	if rows > 0 {
		crawlerRowsTotal.WithLabelValues(platform).Add(float64(rows))
	}
}

// ObserveAttemptDuration records how long one attempt took.
func ObserveAttemptDuration(platform string, duration time.Duration) {
	crawlerAttemptDurationSeconds.WithLabelValues(platform).Observe(duration.Seconds())
}

// ObserveRetry counts an attempt handed back for retry.
func ObserveRetry() {
	crawlerRetriesTotal.Inc()
}

// ObserveTriggerFire counts one recurring trigger firing.
func ObserveTriggerFire() {
	crawlerTriggerFiresTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// SetQueueDepth records the current entry count for a state.
func SetQueueDepth(state string, n int) {
	crawlerQueueDepth.WithLabelValues(state).Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
