// Package metrics exposes prometheus instrumentation for the delivery engine
// plus an in-process snapshot backing the engine's Metrics() contract.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_enqueued_total",
			Help: "Total events absorbed by the queue, by topic and priority",
		},
		[]string{"topic", "priority"},
	)

	eventsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_finalized_total",
			Help: "Total events reaching a terminal state",
		},
		[]string{"outcome"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_queue_depth",
			Help: "Live records held by the event queue",
		},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_delivery_latency_seconds",
			Help:    "Time from ingestion to presentation hand-off",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300, 1800, 7200},
		},
		[]string{"channel"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dispatch_outcomes_total",
			Help: "Dispatch hand-off results by channel",
		},
		[]string{"channel", "outcome"},
	)

	connectionPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_connection_phase",
			Help: "Connection phase (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 error)",
		},
	)

	reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_reconnects_total",
			Help: "Reconnect attempts scheduled by the connection manager",
		},
	)

	persistenceErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_persistence_errors_total",
			Help: "Durable store failures absorbed in degraded mode",
		},
	)

	batchesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_batches_dispatched_total",
			Help: "Combined units handed to the presentation boundary",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter",
		},
		[]string{"producer"},
	)
)

// Snapshot counters backing the engine's Metrics() operation.
var (
	snapDelivered    atomic.Int64
	snapFailed       atomic.Int64
	snapQueued       atomic.Int64
	snapLatencyNanos atomic.Int64
)

// Snapshot is the engine-facing metrics view.
type Snapshot struct {
	Delivered          int64         `json:"delivered"`
	Failed             int64         `json:"failed"`
	Queued             int64         `json:"queued"`
	AvgDeliveryLatency time.Duration `json:"avg_delivery_latency_ns"`
}

// CurrentSnapshot returns the counts of delivered/failed/queued events and
// the average delivery latency.
func CurrentSnapshot() Snapshot {
	delivered := snapDelivered.Load()
	var avg time.Duration
	if delivered > 0 {
		avg = time.Duration(snapLatencyNanos.Load() / delivered)
	}
	return Snapshot{
		Delivered:          delivered,
		Failed:             snapFailed.Load(),
		Queued:             snapQueued.Load(),
		AvgDeliveryLatency: avg,
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventEnqueued records an event absorbed by the queue.
func RecordEventEnqueued(topic, priority string) {
	eventsEnqueued.WithLabelValues(topic, priority).Inc()
}

// RecordEventFinalized records a terminal transition (delivered, expired,
// failed).
func RecordEventFinalized(outcome string) {
	eventsFinalized.WithLabelValues(outcome).Inc()
	if outcome == "failed" {
		snapFailed.Add(1)
	}
}

// SetQueueDepth sets the live record count.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
	snapQueued.Store(int64(depth))
}

// RecordDelivery records a successful hand-off and its ingestion-to-delivery
// latency.
func RecordDelivery(channel string, latency time.Duration) {
	dispatchOutcomes.WithLabelValues(channel, "success").Inc()
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
	snapDelivered.Add(1)
	snapLatencyNanos.Add(int64(latency))
}

// RecordDispatchFailure records a failed or timed-out hand-off.
func RecordDispatchFailure(channel string) {
	dispatchOutcomes.WithLabelValues(channel, "failure").Inc()
}

// RecordBatchDispatched records a combined unit hand-off.
func RecordBatchDispatched() {
	batchesDispatched.Inc()
}

// SetConnectionPhase mirrors the connection phase as a gauge.
func SetConnectionPhase(phase int) {
	connectionPhase.Set(float64(phase))
}

// RecordReconnect counts a scheduled reconnect attempt.
func RecordReconnect() {
	reconnects.Inc()
}

// RecordPersistenceError counts a durable-store failure absorbed in degraded
// mode.
func RecordPersistenceError() {
	persistenceErrors.Inc()
}

// RecordRateLimitRejection counts an API rejection for a producer.
func RecordRateLimitRejection(producer string) {
	rateLimitRejections.WithLabelValues(producer).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
