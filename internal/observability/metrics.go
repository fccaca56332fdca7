package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the live prometheus registration for the dispatcher's GET
// /metrics surface: per-host circuit state, rate-limit bucket levels,
// per-module success/latency, queue depth per consumer.
//
// Grounded on internal/observability.NewMetrics' registration style; unlike
// its stubbed no-op build (kept as a compile-time toggle to drop the
// Prometheus dependency), this module wires every counter to promauto for
// real, since the Control API exposes a live metrics endpoint.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveConnections   prometheus.Gauge

	ChunksProcessedTotal *prometheus.CounterVec
	SendResultsTotal     *prometheus.CounterVec
	SendLatencySeconds   *prometheus.HistogramVec

	QueueDepth          *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	RateLimitTokens     *prometheus.GaugeVec

	RetryAttemptsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_http_requests_total",
			Help: "Total HTTP requests handled by the Control API.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatcher_http_request_duration_seconds",
			Help:    "Control API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_active_connections",
			Help: "Currently open Control API connections.",
		}),

		ChunksProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_chunks_processed_total",
			Help: "Chunks processed by the chunk processor, by outcome.",
		}, []string{"module", "outcome"}),
		SendResultsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_send_results_total",
			Help: "Per-recipient send outcomes, by module and provider.",
		}, []string{"module", "provider", "success"}),
		SendLatencySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatcher_send_latency_seconds",
			Help:    "Per-recipient provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"module", "provider"}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Pending message count per consumer.",
		}, []string{"consumer"}),
		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_circuit_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=half-open, 2=open).",
		}, []string{"target"}),
		RateLimitTokens: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_rate_limit_tokens",
			Help: "Current token count per rate-limit bucket.",
		}, []string{"bucket"}),

		RetryAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_retry_attempts_total",
			Help: "Retry attempts, by reason.",
		}, []string{"reason"}),
	}
}
