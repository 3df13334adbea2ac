package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flag_edge",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flag_edge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flag_edge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	// RefreshAttempts counts C5 refresh-task outcomes, grouped by strategy
	// (polling-full|polling-delta|streaming) and result.
	RefreshAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flag_edge",
			Subsystem: "refresher",
			Name:      "attempts_total",
			Help:      "Total refresh attempts against the upstream control plane.",
		},
		[]string{"strategy", "environment", "result"},
	)

	// RefreshDuration observes the latency of a single refresh round trip.
	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flag_edge",
			Subsystem: "refresher",
			Name:      "duration_seconds",
			Help:      "Duration of upstream refresh calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"strategy", "environment"},
	)

	// RefreshBackoffSeconds reports the current backoff delay scheduled for a
	// token's next refresh attempt.
	RefreshBackoffSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flag_edge",
			Subsystem: "refresher",
			Name:      "backoff_seconds",
			Help:      "Current scheduled backoff delay for a refresh task.",
		},
		[]string{"environment"},
	)

	// BroadcastSubscribers tracks the number of connected SSE subscribers.
	BroadcastSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flag_edge",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current number of connected streaming subscribers.",
		},
		[]string{"environment"},
	)

	// BroadcastEvents counts fan-out events delivered or dropped by the
	// broadcaster, grouped by event type and result.
	BroadcastEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flag_edge",
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Total broadcast events sent to subscribers.",
		},
		[]string{"event_type", "result"},
	)

	// ValidationAttempts counts C4 token-validation calls by mode and result.
	ValidationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flag_edge",
			Subsystem: "tokenvalidator",
			Name:      "attempts_total",
			Help:      "Total upstream token validation attempts.",
		},
		[]string{"mode", "result"},
	)

	// DeltaCacheLength reports the current FIFO length per environment.
	DeltaCacheLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flag_edge",
			Subsystem: "deltacache",
			Name:      "length",
			Help:      "Current number of retained delta events per environment.",
		},
		[]string{"environment"},
	)

	// MetricsBatchBytes observes the serialized size of metrics batches sent
	// upstream, to watch headroom against the soft/hard size limits.
	MetricsBatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flag_edge",
			Subsystem: "telemetry",
			Name:      "batch_bytes",
			Help:      "Serialized size in bytes of outgoing metrics batches.",
			Buckets:   prometheus.LinearBuckets(4096, 8192, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		RefreshAttempts,
		RefreshDuration,
		RefreshBackoffSeconds,
		BroadcastSubscribers,
		BroadcastEvents,
		ValidationAttempts,
		DeltaCacheLength,
		MetricsBatchBytes,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// IncrementInFlight increments the in-flight HTTP request gauge. Exposed for
// middleware that wraps a mux.Router and wants route-template-aware labels.
func IncrementInFlight() {
	httpInFlight.Inc()
}

// DecrementInFlight decrements the in-flight HTTP request gauge.
func DecrementInFlight() {
	httpInFlight.Dec()
}

// RecordHTTPRequest records a completed HTTP request against an explicit
// path label (typically a mux route template).
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(strings.ToUpper(method), path, status).Inc()
	httpDuration.WithLabelValues(strings.ToUpper(method), path).Observe(duration.Seconds())
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
