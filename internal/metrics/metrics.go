// Package metrics provides Prometheus metrics for bundle downloads and the
// asset relay.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics (proxy side)
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_http_requests_total",
			Help: "Total number of HTTP requests served by the proxy",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bubblemirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Remote fetch metrics (download side)
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_fetch_requests_total",
			Help: "Remote GET requests by status class",
		},
		[]string{"status", "result"},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bubblemirror_fetch_duration_seconds",
			Help:    "Time to first byte of remote GET requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	fetchBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bubblemirror_fetch_bytes_total",
			Help: "Decoded bytes read from remote responses",
		},
	)

	filesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_files_total",
			Help: "Mirror files by outcome (fetched, skipped, failed)",
		},
		[]string{"kind", "outcome"},
	)

	bundleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bubblemirror_bundle_duration_seconds",
			Help:    "Wall time of a full bundle download",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"flavor"},
	)

	// Storage metrics
	storageOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bubblemirror_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "status"},
	)

	// WebSocket relay metrics
	wsSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bubblemirror_ws_sessions_active",
			Help: "Number of open relay sessions",
		},
	)

	wsSessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_ws_sessions_closed_total",
			Help: "Relay sessions closed, by reason",
		},
		[]string{"reason"},
	)

	wsFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_ws_frames_total",
			Help: "Relay frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	wsErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_ws_errors_total",
			Help: "Relay protocol errors by reason",
		},
		[]string{"reason"},
	)

	wsBatchItems = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bubblemirror_ws_batch_items",
			Help:    "Items per OPK1 batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"type"},
	)

	shardCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_shard_cache_lookups_total",
			Help: "Shard cache lookups by result",
		},
		[]string{"result"},
	)

	// Progress events
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubblemirror_events_published_total",
			Help: "Progress events published, by type",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordFetch records one remote GET. status is 0 for transport failures.
func RecordFetch(status int, duration time.Duration, success bool) {
	class := "transport"
	if status > 0 {
		class = fmt.Sprintf("%dxx", status/100)
	}
	result := "ok"
	if !success {
		result = "failed"
	}
	fetchTotal.WithLabelValues(class, result).Inc()
	fetchDuration.Observe(duration.Seconds())
}

// RecordBytesFetched adds to the decoded byte counter.
func RecordBytesFetched(n int64) {
	fetchBytes.Add(float64(n))
}

// RecordFile records the outcome of one mirror file.
func RecordFile(kind, outcome string) {
	filesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordBundle records a completed bundle download.
func RecordBundle(flavor string, duration time.Duration) {
	bundleDuration.WithLabelValues(flavor).Observe(duration.Seconds())
}

// RecordStorageOperation records a storage backend call.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storageOps.WithLabelValues(backend, operation, status).Observe(duration.Seconds())
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	wsSessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed(reason string) {
	wsSessionsActive.Dec()
	wsSessionsClosed.WithLabelValues(reason).Inc()
}

// RecordFrame records a relay frame ("rx"/"tx", "text"/"binary"/"batch").
func RecordFrame(direction, kind string) {
	wsFrames.WithLabelValues(direction, kind).Inc()
}

// RecordRelayError records a relay protocol error.
func RecordRelayError(reason string) {
	wsErrors.WithLabelValues(reason).Inc()
}

// RecordBatch records the size of a flushed batch.
func RecordBatch(resourceType string, items int) {
	wsBatchItems.WithLabelValues(resourceType).Observe(float64(items))
}

// RecordShardCache records a shard cache hit or miss.
func RecordShardCache(hit bool) {
	if hit {
		shardCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	shardCacheLookups.WithLabelValues("miss").Inc()
}

// RecordEvent records a published progress event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware returns HTTP middleware that records request metrics. route
// maps a request onto a low-cardinality label.
func Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			RecordHTTPRequest(r.Method, route(r), rw.statusCode, time.Since(start))
		})
	}
}
