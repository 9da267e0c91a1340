package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics records nothing, so
// library code can take one optionally.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	blobOperationsTotal   *prometheus.CounterVec
	blobOperationDuration *prometheus.HistogramVec
	blobOperationErrors   *prometheus.CounterVec
	blobBytes             *prometheus.CounterVec
	blobsStored           prometheus.Gauge

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec

	offloadInFlight       prometheus.Gauge
	offloadDispatched     *prometheus.CounterVec
	offloadDroppedReplies *prometheus.CounterVec
	offloadFallbacks      prometheus.Counter

	transferTransitions *prometheus.CounterVec

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a metrics instance on the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on reg. Used by tests and
// by the CLI, which must not collide with globally registered collectors.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		blobOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operations_total",
				Help: "Total number of blob store operations",
			},
			[]string{"operation", "backend"},
		),
		blobOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blob_operation_duration_seconds",
				Help:    "Blob store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		blobOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_operation_errors_total",
				Help: "Total number of blob store operation errors",
			},
			[]string{"operation", "backend", "error_type"},
		),
		blobBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blob_bytes_total",
				Help: "Total ciphertext bytes written to or read from the blob store",
			},
			[]string{"operation", "backend"},
		),
		blobsStored: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "blobs_stored",
				Help: "Number of blobs currently held by the in-memory store",
			},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		offloadInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "offload_in_flight",
				Help: "Number of crypto operations dispatched to workers and awaiting a reply",
			},
		),
		offloadDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offload_dispatched_total",
				Help: "Total number of crypto operations dispatched to workers",
			},
			[]string{"operation"},
		),
		offloadDroppedReplies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offload_dropped_replies_total",
				Help: "Total number of worker replies dropped because no caller was waiting",
			},
			[]string{"reason"},
		),
		offloadFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "offload_fallbacks_total",
				Help: "Number of times crypto fell back to synchronous execution",
			},
		),
		transferTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_state_transitions_total",
				Help: "Total number of upload/download state transitions",
			},
			[]string{"direction", "state"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordBlobOperation records a successful blob store operation.
func (m *Metrics) RecordBlobOperation(operation, backend string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.blobOperationsTotal.WithLabelValues(operation, backend).Inc()
	m.blobOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
	m.blobBytes.WithLabelValues(operation, backend).Add(float64(bytes))
}

// RecordBlobError records a blob store operation error.
func (m *Metrics) RecordBlobError(operation, backend, errorType string) {
	if m == nil {
		return
	}
	m.blobOperationErrors.WithLabelValues(operation, backend, errorType).Inc()
}

// SetBlobsStored sets the in-memory store size gauge.
func (m *Metrics) SetBlobsStored(n int) {
	if m == nil {
		return
	}
	m.blobsStored.Set(float64(n))
}

// RecordEncryptionOperation records an encryption operation metric.
func (m *Metrics) RecordEncryptionOperation(operation string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.encryptionOperations.WithLabelValues(operation).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	if m == nil {
		return
	}
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordOffloadDispatch records a dispatched operation and bumps the in-flight gauge.
func (m *Metrics) RecordOffloadDispatch(operation string) {
	if m == nil {
		return
	}
	m.offloadDispatched.WithLabelValues(operation).Inc()
	m.offloadInFlight.Inc()
}

// RecordOffloadDone lowers the in-flight gauge.
func (m *Metrics) RecordOffloadDone() {
	if m == nil {
		return
	}
	m.offloadInFlight.Dec()
}

// RecordOffloadDropped records work thrown away with nobody waiting for it.
func (m *Metrics) RecordOffloadDropped(reason string) {
	if m == nil {
		return
	}
	m.offloadDroppedReplies.WithLabelValues(reason).Inc()
}

// RecordOffloadFallback records a switch to synchronous crypto.
func (m *Metrics) RecordOffloadFallback() {
	if m == nil {
		return
	}
	m.offloadFallbacks.Inc()
}

// RecordTransferTransition records an upload or download state change.
func (m *Metrics) RecordTransferTransition(direction, state string) {
	if m == nil {
		return
	}
	m.transferTransitions.WithLabelValues(direction, state).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	if m == nil {
		return
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until stop
// is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
