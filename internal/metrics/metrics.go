package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	httpRequestBytes      *prometheus.CounterVec
	storageOperations     *prometheus.CounterVec
	storageDuration       *prometheus.HistogramVec
	storageErrors         *prometheus.CounterVec
	encryptionOperations  *prometheus.CounterVec
	encryptionDuration    *prometheus.HistogramVec
	encryptionErrors      *prometheus.CounterVec
	encryptionBytes       *prometheus.CounterVec
	uploadsTotal          *prometheus.CounterVec
	decryptResults        *prometheus.CounterVec
	auditEntries          *prometheus.CounterVec
	auditDeliveryFailures *prometheus.CounterVec
	auditDropped          prometheus.Counter
	keyRotations          *prometheus.CounterVec
	rotatedReads          *prometheus.CounterVec
	activeConnections     prometheus.Gauge
	goroutines            prometheus.Gauge
	memoryAllocBytes      prometheus.Gauge
	memorySysBytes        prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on a dedicated registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetricsWithRegistry(reg, reg)
}

func newMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
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
		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total number of object storage operations",
			},
			[]string{"operation", "backend"},
		),
		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Object storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operation_errors_total",
				Help: "Total number of object storage errors",
			},
			[]string{"operation", "backend", "error_type"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"},
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
		uploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uploads_total",
				Help: "Upload attempts by terminal outcome",
			},
			[]string{"outcome", "stage"},
		),
		decryptResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decrypt_requests_total",
				Help: "Decryption requests by result",
			},
			[]string{"purpose", "result"},
		),
		auditEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_entries_total",
				Help: "Audit entries accepted by action",
			},
			[]string{"action"},
		),
		auditDeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_delivery_failures_total",
				Help: "Audit sink write failures after retries",
			},
			[]string{"sink"},
		),
		auditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_entries_dropped_total",
				Help: "Audit entries dropped because the buffer was full or closed",
			},
		),
		keyRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_rotations_total",
				Help: "Master key rotations by result",
			},
			[]string{"result"},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotated_reads_total",
				Help: "Decryptions that used a master key version older than the active one",
			},
			[]string{"key_version", "active_version"},
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

// RecordStorageOperation records an object storage operation.
func (m *Metrics) RecordStorageOperation(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storageOperations.WithLabelValues(operation, backend).Inc()
	m.storageDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordStorageError records an object storage error.
func (m *Metrics) RecordStorageError(operation, backend, errorType string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(operation, backend, errorType).Inc()
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

// RecordUpload records the terminal outcome of an upload attempt and the
// state it ended in.
func (m *Metrics) RecordUpload(outcome, stage string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(outcome, stage).Inc()
}

// RecordDecrypt records a decryption request result.
func (m *Metrics) RecordDecrypt(purpose, result string) {
	if m == nil {
		return
	}
	m.decryptResults.WithLabelValues(purpose, result).Inc()
}

// RecordAuditEntry counts an accepted audit entry.
func (m *Metrics) RecordAuditEntry(action string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(action).Inc()
}

// RecordAuditFailure counts a sink write that failed after all retries.
func (m *Metrics) RecordAuditFailure(sink string) {
	if m == nil {
		return
	}
	m.auditDeliveryFailures.WithLabelValues(sink).Inc()
}

// RecordAuditDropped counts an entry that never reached the buffer.
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// RecordKeyRotation records a master key rotation attempt.
func (m *Metrics) RecordKeyRotation(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.keyRotations.WithLabelValues(result).Inc()
}

// RecordRotatedRead records a decryption that used an older master key version.
func (m *Metrics) RecordRotatedRead(keyVersion, activeVersion int) {
	if m == nil {
		return
	}
	m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
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

// StartSystemMetricsCollector periodically updates system metrics until stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	if m == nil {
		return
	}
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
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
