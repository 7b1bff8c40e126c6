package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "streamlogd"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics for the stream store and its RPC surface.
type Metrics struct {
	// HTTP/RPC request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Append-path metrics
	AppendTotal         *prometheus.CounterVec
	AppendLatency       prometheus.Histogram
	AppendRejectedTotal *prometheus.CounterVec
	AppendBytesTotal    prometheus.Counter

	// WAL/storage engine metrics
	WALQueueDepth     prometheus.Gauge
	WALFsyncLatency   prometheus.Histogram
	SegmentsSealed    prometheus.Counter
	SegmentBytesTotal prometheus.Counter

	// Tail session metrics
	TailSessionsActive prometheus.Gauge
	TailPumpsActive    prometheus.Gauge
	ACLChecksTotal     *prometheus.CounterVec

	// Database pool metrics
	DatabaseConnectionsOpen  prometheus.Gauge
	DatabaseConnectionsIdle  prometheus.Gauge
	DatabaseConnectionsInUse prometheus.Gauge
	DatabaseConnectionsWait  prometheus.Counter
	DatabaseQueryDuration    *prometheus.HistogramVec

	// Server metrics
	ServerQueuedRequests         prometheus.Gauge
	ServerRejectedRequests       prometheus.Counter
	ServerCurrentCCU             prometheus.Gauge
	ServerNormalCCU              prometheus.Gauge
	ServerCCUUtilization         prometheus.Gauge
	ServerBackpressureQueueLength prometheus.Gauge

	// Custom metrics registry
	CustomCounters   map[string]*prometheus.CounterVec
	CustomGauges     map[string]*prometheus.GaugeVec
	CustomHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	m := &Metrics{
		HTTPRequestsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamlog_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamlog_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestSize: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamlog_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7), // 100B to 100MB
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamlog_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7), // 100B to 100MB
			},
			[]string{"method", "path", "status"},
		),

		AppendTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamlog_append_total",
				Help: "Total number of records appended, by data format",
			},
			[]string{"data_format"},
		),
		AppendLatency: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "streamlog_append_latency_seconds",
				Help:    "Latency of append operations from request to durable ack",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		AppendRejectedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamlog_append_rejected_total",
				Help: "Total number of rejected append requests, by reason",
			},
			[]string{"reason"},
		),
		AppendBytesTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "streamlog_append_bytes_total",
				Help: "Total payload bytes appended across all streams",
			},
		),

		WALQueueDepth: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_wal_queue_depth",
				Help: "Number of entries buffered awaiting WAL flush",
			},
		),
		WALFsyncLatency: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "streamlog_wal_fsync_latency_seconds",
				Help:    "Latency of WAL fsync calls",
				Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
		),
		SegmentsSealed: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "streamlog_segments_sealed_total",
				Help: "Total number of segments sealed (rotated from active memtable)",
			},
		),
		SegmentBytesTotal: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "streamlog_segment_bytes_total",
				Help: "Total bytes written to sealed segment files",
			},
		),

		TailSessionsActive: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_tail_sessions_active",
				Help: "Number of active duplex tail sessions",
			},
		),
		TailPumpsActive: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_tail_pumps_active",
				Help: "Number of active per-stream tail pumps across all sessions",
			},
		),
		ACLChecksTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamlog_acl_checks_total",
				Help: "Total number of ACL checks, by outcome (allowed, denied, error)",
			},
			[]string{"outcome"},
		),

		DatabaseConnectionsOpen: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_database_connections_open",
				Help: "Number of open database connections",
			},
		),
		DatabaseConnectionsIdle: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_database_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DatabaseConnectionsInUse: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_database_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DatabaseConnectionsWait: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "streamlog_database_connections_wait_total",
				Help: "Total number of database connection wait events",
			},
		),
		DatabaseQueryDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamlog_database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"}, // operation: query, exec, begin
		),

		ServerQueuedRequests: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_server_queued_requests",
				Help: "Number of queued HTTP requests",
			},
		),
		ServerRejectedRequests: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "streamlog_server_rejected_requests_total",
				Help: "Total number of rejected HTTP requests (503)",
			},
		),
		ServerCurrentCCU: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_server_current_ccu",
				Help: "Current concurrent users (CCU)",
			},
		),
		ServerNormalCCU: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_server_normal_ccu",
				Help: "Normal capacity CCU (target utilization)",
			},
		),
		ServerCCUUtilization: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_server_ccu_utilization",
				Help: "CCU utilization percentage (0-100)",
			},
		),
		ServerBackpressureQueueLength: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "streamlog_backpressure_queue_length",
				Help: "Current backpressure queue length",
			},
		),

		CustomCounters:   make(map[string]*prometheus.CounterVec),
		CustomGauges:     make(map[string]*prometheus.GaugeVec),
		CustomHistograms: make(map[string]*prometheus.HistogramVec),
	}

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, path, status).Observe(float64(responseSize))
}

// RecordAppend records a successful append, its data format and resulting latency.
func (m *Metrics) RecordAppend(dataFormat string, payloadBytes int, duration time.Duration) {
	m.AppendTotal.WithLabelValues(dataFormat).Inc()
	m.AppendLatency.Observe(duration.Seconds())
	m.AppendBytesTotal.Add(float64(payloadBytes))
}

// RecordAppendRejected records a rejected append, by reason (data_empty, data_too_large, forbidden, ...).
func (m *Metrics) RecordAppendRejected(reason string) {
	m.AppendRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordACLCheck records an ACL check outcome (allowed, denied, error).
func (m *Metrics) RecordACLCheck(outcome string) {
	m.ACLChecksTotal.WithLabelValues(outcome).Inc()
}

// UpdateDatabasePool updates database pool metrics
func (m *Metrics) UpdateDatabasePool(open, idle, inUse int, waitCount int64) {
	m.DatabaseConnectionsOpen.Set(float64(open))
	m.DatabaseConnectionsIdle.Set(float64(idle))
	m.DatabaseConnectionsInUse.Set(float64(inUse))
	if waitCount > 0 {
		m.DatabaseConnectionsWait.Add(float64(waitCount))
	}
}

// RecordDatabaseQuery records a database query metric
func (m *Metrics) RecordDatabaseQuery(operation string, duration time.Duration) {
	m.DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateServerMetrics updates server-level request queue/backpressure metrics
func (m *Metrics) UpdateServerMetrics(queued int64, rejected int64, currentCCU int, normalCCU int, utilization float64) {
	m.ServerQueuedRequests.Set(float64(queued))
	m.ServerBackpressureQueueLength.Set(float64(queued)) // Alias for backpressure
	if rejected > 0 {
		m.ServerRejectedRequests.Add(float64(rejected))
	}
	m.ServerCurrentCCU.Set(float64(currentCCU))
	m.ServerNormalCCU.Set(float64(normalCCU))
	m.ServerCCUUtilization.Set(utilization)
}

// Counter creates or returns a custom counter metric
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.CustomCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if counter, exists := m.CustomCounters[name]; exists {
		return counter
	}

	counter := promauto.With(DefaultRegisterer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.CustomGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if gauge, exists := m.CustomGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(DefaultRegisterer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomGauges[name] = gauge
	return gauge
}

// Histogram creates or returns a custom histogram metric
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if histogram, exists := m.CustomHistograms[name]; exists {
		m.customMu.RUnlock()
		return histogram
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	if histogram, exists := m.CustomHistograms[name]; exists {
		return histogram
	}

	opts := prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(DefaultRegisterer).NewHistogramVec(opts, labels)
	m.CustomHistograms[name] = histogram
	return histogram
}

// Convenience functions for global metrics

// Counter returns a custom counter metric (creates if doesn't exist)
func Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return GetMetrics().Counter(name, help, labels...)
}

// Gauge returns a custom gauge metric (creates if doesn't exist)
func Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return GetMetrics().Gauge(name, help, labels...)
}

// Histogram returns a custom histogram metric (creates if doesn't exist)
func Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return GetMetrics().Histogram(name, help, buckets, labels...)
}
