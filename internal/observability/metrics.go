package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles Prometheus metrics used across ingestion and the topology core.
type Metrics struct {
	namespace string

	messagesReceived    prometheus.Counter
	droppedMessages     prometheus.Counter
	decodeErrors        prometheus.Counter
	storeErrors         prometheus.Counter
	packetsStored       *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	nodeUpserts         prometheus.Counter
	positionsStored     prometheus.Counter
	hopsStored          prometheus.Counter
	pipelineErrors      prometheus.Counter
	routeDecodeFailures prometheus.Counter
	groupsServed        *prometheus.CounterVec
	groupingTruncated   prometheus.Counter
	graphBuildDuration  prometheus.Histogram
	refreshRuns         *prometheus.CounterVec
	refreshDuration     prometheus.Histogram
	snapshotLinks       prometheus.Gauge
	snapshotTimestamp   prometheus.Gauge

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: meshtopo).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "meshtopo",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.registry)

	m := &Metrics{
		namespace: cfg.namespace,
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_received_total",
			Help:      "Total number of MQTT messages received from the broker.",
		}),
		droppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of MQTT messages dropped before decode.",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of envelope decoding failures.",
		}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_errors_total",
			Help:      "Total number of storage errors.",
		}),
		packetsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packets_stored_total",
			Help:      "Total number of receptions persisted, partitioned by processing status.",
		}, []string{"processed_successfully"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "storage_queue_depth",
			Help:      "Current number of packets waiting in the storage queue.",
		}),
		nodeUpserts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "node_upserts_total",
			Help:      "Total number of node_info rows upserted.",
		}),
		positionsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "positions_stored_total",
			Help:      "Total number of position fixes stored.",
		}),
		hopsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "traceroute_hops_stored_total",
			Help:      "Total number of route-discovery hops stored.",
		}),
		pipelineErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total number of pipeline errors forwarded to the supervisor.",
		}),
		routeDecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "route_decode_failures_total",
			Help:      "Total number of route-discovery payloads that failed to decode.",
		}),
		groupsServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "grouping_pages_total",
			Help:      "Total number of grouped pages served, partitioned by total kind.",
		}, []string{"total"}),
		groupingTruncated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "grouping_scans_truncated_total",
			Help:      "Total number of grouping scans cut short by the request deadline.",
		}),
		graphBuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "graph_build_seconds",
			Help:      "Time spent building topology graphs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		refreshRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "link_refresh_runs_total",
			Help:      "Total number of longest-link refresh runs, partitioned by outcome.",
		}, []string{"outcome"}),
		refreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "link_refresh_seconds",
			Help:      "Duration of longest-link refresh runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		snapshotLinks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "link_snapshot_links",
			Help:      "Number of node pairs in the published longest-link snapshot.",
		}),
		snapshotTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "link_snapshot_timestamp_seconds",
			Help:      "Unix time the longest-link snapshot was published.",
		}),
	}

	m.healthy.Store(true)
	return m
}

// IncMessagesReceived increments the raw message counter.
func (m *Metrics) IncMessagesReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) IncDroppedMessages() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

// IncDecodeErrors increments decode error counter and marks service unhealthy.
func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
	m.healthy.Store(false)
}

// IncStoreErrors increments store error counter and marks service unhealthy.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
	m.healthy.Store(false)
}

// ObservePacketStored records a reception persistence event.
func (m *Metrics) ObservePacketStored(processed bool) {
	if m == nil {
		return
	}
	status := "false"
	if processed {
		status = "true"
	}
	m.packetsStored.WithLabelValues(status).Inc()
}

// ObserveQueueDepth tracks the storage queue depth.
func (m *Metrics) ObserveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// IncNodeUpsert notes a node_info upsert.
func (m *Metrics) IncNodeUpsert() {
	if m == nil {
		return
	}
	m.nodeUpserts.Inc()
}

// IncPositionStored notes a persisted position fix.
func (m *Metrics) IncPositionStored() {
	if m == nil {
		return
	}
	m.positionsStored.Inc()
}

// AddHopsStored notes persisted route-discovery hops.
func (m *Metrics) AddHopsStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.hopsStored.Add(float64(n))
}

// IncPipelineErrors increments general pipeline error counter.
func (m *Metrics) IncPipelineErrors() {
	if m == nil {
		return
	}
	m.pipelineErrors.Inc()
	m.healthy.Store(false)
}

func (m *Metrics) IncRouteDecodeFailures() {
	if m == nil {
		return
	}
	m.routeDecodeFailures.Inc()
}

// ObserveGroupPage counts a served page by its total kind ("exact" or "estimated").
func (m *Metrics) ObserveGroupPage(kind string) {
	if m == nil {
		return
	}
	m.groupsServed.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncGroupingTruncated() {
	if m == nil {
		return
	}
	m.groupingTruncated.Inc()
}

// ObserveGraphBuild records the time spent on one graph.
func (m *Metrics) ObserveGraphBuild(d time.Duration) {
	if m == nil {
		return
	}
	m.graphBuildDuration.Observe(d.Seconds())
}

// ObserveRefresh records a finished refresh run.
func (m *Metrics) ObserveRefresh(err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.refreshRuns.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// ObserveSnapshot records the size and publish time of a new snapshot.
func (m *Metrics) ObserveSnapshot(links int, publishedAt time.Time) {
	if m == nil {
		return
	}
	m.snapshotLinks.Set(float64(links))
	m.snapshotTimestamp.Set(float64(publishedAt.Unix()))
}

// Healthy reports whether recent operations have seen errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}
