// Package metrics exposes Prometheus collectors for the wiki crawler service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateGateWaitSeconds        prometheus.Histogram
	remoteCallsTotal           *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	retriesExhaustedTotal      *prometheus.CounterVec
	activeStreams              prometheus.Gauge
	crawlQueueDepth            prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikicrawl_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wikicrawl_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		rateGateWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wikicrawl_rate_gate_wait_seconds",
				Help:    "Time callers spent blocked in the rate gate.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		remoteCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikicrawl_remote_calls_total",
				Help: "Remote API attempts, labeled by outcome class.",
			},
			[]string{"class"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikicrawl_retries_total",
				Help: "Retries scheduled after a retryable failure, labeled by class.",
			},
			[]string{"class"},
		)

		retriesExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wikicrawl_retries_exhausted_total",
				Help: "Calls that spent their whole retry budget, labeled by class.",
			},
			[]string{"class"},
		)

		activeStreams = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wikicrawl_active_streams",
				Help: "Number of progress streams currently attached to a client.",
			},
		)

		crawlQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wikicrawl_crawl_queue_depth",
				Help: "Background crawls waiting for a worker.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateGateWait records how long a caller was held by the rate gate.
func ObserveRateGateWait(duration time.Duration) {
	Init()
	rateGateWaitSeconds.Observe(duration.Seconds())
}

// ObserveRemoteCall counts one remote attempt by its classified outcome.
func ObserveRemoteCall(class string) {
	Init()
	remoteCallsTotal.WithLabelValues(class).Inc()
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(class string) {
	Init()
	retriesTotal.WithLabelValues(class).Inc()
}

// ObserveRetriesExhausted counts a call that gave up after its last attempt.
func ObserveRetriesExhausted(class string) {
	Init()
	retriesExhaustedTotal.WithLabelValues(class).Inc()
}

// IncActiveStreams increments the attached stream gauge.
func IncActiveStreams() {
	Init()
	activeStreams.Inc()
}

// DecActiveStreams decrements the attached stream gauge.
func DecActiveStreams() {
	Init()
	activeStreams.Dec()
}

// SetCrawlQueueDepth records how many background crawls are waiting.
func SetCrawlQueueDepth(n int) {
	Init()
	crawlQueueDepth.Set(float64(n))
}
