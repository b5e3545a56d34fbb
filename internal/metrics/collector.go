// Package metrics implements the prometheus surface for the communication
// core. Grounded on the teacher's internal/core/metrics/prometheus.go
// PrometheusCollector: one promauto vector per metric group, field-per-group
// on the collector struct, generalized from the teacher's HTTP/WebSocket/
// database/device groups to our six components (memory pool, serialization
// optimizer, message batcher, connection pool, TCP session/server,
// communicator façade). Unlike the teacher (which registers into the
// global default registry, fine for its single long-lived process), each
// Collector here owns a private prometheus.Registry via promauto.With, so
// more than one Collector can exist in the same process — e.g. one per test
// — without a duplicate-registration panic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config mirrors the teacher's MetricsConfig: an enable flag and a metric
// name prefix.
type Config struct {
	Enabled bool
	Prefix  string
}

func DefaultConfig() *Config {
	return &Config{Enabled: true, Prefix: "astrocomm"}
}

// Collector is the prometheus metrics surface for all six components.
type Collector struct {
	cfg      *Config
	registry *prometheus.Registry

	// C1 MemoryPool
	poolAcquireTotal *prometheus.CounterVec
	poolSize         *prometheus.GaugeVec

	// C2 SerializationOptimizer
	serializeCacheTotal  *prometheus.CounterVec
	serializeDuration    prometheus.Histogram

	// C3 MessageBatcher
	batchesTotal *prometheus.CounterVec
	batchSize    prometheus.Histogram

	// C4 ConnectionPool
	connPoolConnections     *prometheus.GaugeVec
	connPoolAcquireTimeouts prometheus.Counter
	connPoolHealthFailures  prometheus.Counter

	// C5 TcpSession/TcpServer
	tcpMessagesTotal *prometheus.CounterVec
	tcpBytesTotal    *prometheus.CounterVec
	tcpErrorsTotal   prometheus.Counter

	// C6 TcpCommunicator
	sendsTotal         *prometheus.CounterVec
	responseTimeSecs   prometheus.Histogram
}

// New builds a Collector with its own private registry.
func New(cfg *Config) *Collector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	prefix := cfg.Prefix

	return &Collector{
		cfg:      cfg,
		registry: reg,

		poolAcquireTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_memory_pool_acquire_total",
			Help: "Total MemoryPool.Acquire calls by outcome.",
		}, []string{"pool", "outcome"}),
		poolSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_memory_pool_size",
			Help: "Current MemoryPool object count by state.",
		}, []string{"pool", "state"}),

		serializeCacheTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_serialize_cache_total",
			Help: "SerializationOptimizer cache lookups by outcome.",
		}, []string{"outcome"}),
		serializeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_serialize_duration_seconds",
			Help:    "Time spent serializing a value.",
			Buckets: prometheus.DefBuckets,
		}),

		batchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_batches_dispatched_total",
			Help: "MessageBatcher dispatched batches by outcome.",
		}, []string{"outcome"}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_batch_size_messages",
			Help:    "Number of messages per dispatched batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		connPoolConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_connpool_connections",
			Help: "ConnectionPool connection count by state.",
		}, []string{"state"}),
		connPoolAcquireTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_connpool_acquire_timeouts_total",
			Help: "Total ConnectionPool.Acquire timeouts.",
		}),
		connPoolHealthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_connpool_health_check_failures_total",
			Help: "Total connections removed by ConnectionPool health checks.",
		}),

		tcpMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_tcp_messages_total",
			Help: "TCP messages by direction.",
		}, []string{"direction"}),
		tcpBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_tcp_bytes_total",
			Help: "TCP bytes transferred by direction.",
		}, []string{"direction"}),
		tcpErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_tcp_errors_total",
			Help: "Total TCP session errors.",
		}),

		sendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_communicator_sends_total",
			Help: "TcpCommunicator send_message calls by outcome.",
		}, []string{"outcome"}),
		responseTimeSecs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_communicator_response_time_seconds",
			Help:    "TcpCommunicator send_message response time.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the private registry so a caller can mount
// promhttp.HandlerFor(c.Registry(), ...) on an HTTP mux.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordPoolAcquire(pool string, hit bool) {
	if !c.cfg.Enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.poolAcquireTotal.WithLabelValues(pool, outcome).Inc()
}

func (c *Collector) SetPoolSize(pool string, idle, active int) {
	if !c.cfg.Enabled {
		return
	}
	c.poolSize.WithLabelValues(pool, "idle").Set(float64(idle))
	c.poolSize.WithLabelValues(pool, "active").Set(float64(active))
}

func (c *Collector) RecordSerialize(duration time.Duration, cacheHit bool) {
	if !c.cfg.Enabled {
		return
	}
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	c.serializeCacheTotal.WithLabelValues(outcome).Inc()
	c.serializeDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordBatchDispatched(messageCount int, success bool) {
	if !c.cfg.Enabled {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.batchesTotal.WithLabelValues(outcome).Inc()
	c.batchSize.Observe(float64(messageCount))
}

func (c *Collector) SetConnPoolState(idle, active int) {
	if !c.cfg.Enabled {
		return
	}
	c.connPoolConnections.WithLabelValues("idle").Set(float64(idle))
	c.connPoolConnections.WithLabelValues("active").Set(float64(active))
}

func (c *Collector) RecordConnPoolAcquireTimeout() {
	if !c.cfg.Enabled {
		return
	}
	c.connPoolAcquireTimeouts.Inc()
}

func (c *Collector) RecordConnPoolHealthFailure() {
	if !c.cfg.Enabled {
		return
	}
	c.connPoolHealthFailures.Inc()
}

func (c *Collector) RecordTCPMessage(direction string, bytes int) {
	if !c.cfg.Enabled {
		return
	}
	c.tcpMessagesTotal.WithLabelValues(direction).Inc()
	c.tcpBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (c *Collector) RecordTCPError() {
	if !c.cfg.Enabled {
		return
	}
	c.tcpErrorsTotal.Inc()
}

func (c *Collector) RecordSend(success bool, elapsed time.Duration) {
	if !c.cfg.Enabled {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.sendsTotal.WithLabelValues(outcome).Inc()
	c.responseTimeSecs.Observe(elapsed.Seconds())
}
