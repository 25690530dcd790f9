// Package metrics provides Prometheus metrics for the tree server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortree_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensortree_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Dataset metrics
	datasetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensortree_dataset_entities",
			Help: "Number of nodes and sensors in the dataset",
		},
	)

	datasetReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortree_dataset_reloads_total",
			Help: "Total dataset reloads",
		},
		[]string{"source", "status"},
	)

	datasetRenamesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortree_dataset_renames_total",
			Help: "Total node renames applied to the dataset",
		},
	)

	// Search and reveal metrics
	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensortree_search_duration_seconds",
			Help:    "Time to scan the dataset for a query",
			Buckets: prometheus.DefBuckets,
		},
	)

	searchResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensortree_search_results",
			Help:    "Number of results returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500},
		},
	)

	revealTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortree_reveal_path_total",
			Help: "Total reveal-path requests",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensortree_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// WebSocket metrics
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensortree_ws_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	batchesBroadcastTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortree_batches_broadcast_total",
			Help: "Total update batches flushed to clients",
		},
	)

	updatesBroadcastTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortree_updates_broadcast_total",
			Help: "Total node updates flushed to clients",
		},
	)

	updatesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortree_updates_dropped_total",
			Help: "Updates dropped because the queue was full",
		},
	)

	updateQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensortree_update_queue_depth",
			Help: "Updates waiting for the next broadcast",
		},
	)

	simulatedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensortree_simulated_events_total",
			Help: "Total simulated rename events generated",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensortree_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensortree_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetDatasetSize sets the number of entities in the dataset.
func SetDatasetSize(n int) {
	datasetSize.Set(float64(n))
}

// RecordDatasetReload records a dataset (re)load from source.
func RecordDatasetReload(source string, success bool) {
	datasetReloadsTotal.WithLabelValues(source, status(success)).Inc()
}

// RecordRename records a rename applied to the dataset.
func RecordRename() {
	datasetRenamesTotal.Inc()
}

// RecordSearch records one search scan.
func RecordSearch(duration time.Duration, results int) {
	searchDuration.Observe(duration.Seconds())
	searchResults.Observe(float64(results))
}

// RecordReveal records a reveal-path lookup.
func RecordReveal(found bool) {
	result := "found"
	if !found {
		result = "not_found"
	}
	revealTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetWSConnectionsActive sets the number of active WebSocket connections.
func SetWSConnectionsActive(count int) {
	wsConnectionsActive.Set(float64(count))
}

// RecordBroadcast records one flushed batch.
func RecordBroadcast(updates int) {
	batchesBroadcastTotal.Inc()
	updatesBroadcastTotal.Add(float64(updates))
}

// RecordUpdatesDropped records updates evicted from a full queue.
func RecordUpdatesDropped(n int) {
	updatesDroppedTotal.Add(float64(n))
}

// SetUpdateQueueDepth sets the broadcaster queue depth.
func SetUpdateQueueDepth(n int) {
	updateQueueDepth.Set(float64(n))
}

// RecordSimulatedEvents records generated simulator events.
func RecordSimulatedEvents(n int) {
	simulatedEventsTotal.Add(float64(n))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by their route pattern to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
