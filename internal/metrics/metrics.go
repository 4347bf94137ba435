// Package metrics exposes Prometheus instrumentation for the routing
// substrate. Grounded on the teacher's promauto-built metric family idiom
// in go-server/internal/metrics/metrics.go; renamed from websocket
// connection/message concerns to queue/QoS/route/heartbeat concerns since
// the hub has no per-connection transport state of its own to track.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric family the hub publishes. Each Registry owns
// its own prometheus.Registry rather than registering into the package-level
// default, so constructing more than one per process (as the test suite
// does, one per test server) never panics on a duplicate collector.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth    prometheus.Gauge
	QueueRejected prometheus.Counter

	MessagesRouted    prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesQueued    prometheus.Counter
	MessagesFailed    prometheus.Counter
	MessagesExpired   prometheus.Counter
	MessagesBroadcast prometheus.Counter

	QoSSent      *prometheus.CounterVec // labeled by level: "0", "1", "2"
	QoSAcked     prometheus.Counter
	QoSCompleted prometheus.Counter
	QoSRetries   prometheus.Counter
	QoSFailures  prometheus.Counter

	RoutesActive   prometheus.Gauge
	DevicesOnline  prometheus.Gauge
	DevicesOffline prometheus.Gauge
	DrainDuration  prometheus.Histogram

	GoroutinesCount prometheus.Gauge
	MemoryUsageMB   prometheus.Gauge
	CPUUsagePercent prometheus.Gauge

	startTime time.Time
}

// NewRegistry constructs a fresh prometheus.Registry and registers every
// metric family into it via promauto, matching the teacher's construction
// idiom of one large literal inside the constructor but scoped to a private
// registry instead of the process-wide default.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg:       reg,
		startTime: time.Now(),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uaip_hub_queue_depth",
			Help: "Current number of envelopes held in the priority queue.",
		}),
		QueueRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_queue_rejected_total",
			Help: "Total submits rejected because the queue was at capacity.",
		}),

		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_messages_routed_total",
			Help: "Total envelopes accepted by the router.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_messages_delivered_total",
			Help: "Total envelopes handed off to a transport successfully.",
		}),
		MessagesQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_messages_queued_total",
			Help: "Total envelopes queued for later delivery.",
		}),
		MessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_messages_failed_total",
			Help: "Total synchronous delivery attempts that failed.",
		}),
		MessagesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_messages_expired_total",
			Help: "Total envelopes dropped for exceeding their TTL.",
		}),
		MessagesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_messages_broadcast_total",
			Help: "Total per-member broadcast fan-out sends.",
		}),

		QoSSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "uaip_hub_qos_sent_total",
			Help: "Total messages handed to the QoS engine, by level.",
		}, []string{"level"}),
		QoSAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_qos1_acked_total",
			Help: "Total QoS 1 messages acknowledged.",
		}),
		QoSCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_qos2_completed_total",
			Help: "Total QoS 2 handshakes completed.",
		}),
		QoSRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_qos_retries_total",
			Help: "Total QoS retry attempts.",
		}),
		QoSFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "uaip_hub_qos_failures_total",
			Help: "Total QoS records abandoned (retries exhausted or TTL expired).",
		}),

		RoutesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uaip_hub_routes_active",
			Help: "Current number of registered routes.",
		}),
		DevicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uaip_hub_devices_online",
			Help: "Current number of devices tracked as online.",
		}),
		DevicesOffline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uaip_hub_devices_offline",
			Help: "Current number of devices tracked as offline.",
		}),
		DrainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "uaip_hub_drain_duration_seconds",
			Help:    "Duration of each drain() pass.",
			Buckets: prometheus.DefBuckets,
		}),

		GoroutinesCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uaip_hub_goroutines",
			Help: "Current goroutine count.",
		}),
		MemoryUsageMB: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uaip_hub_memory_usage_mb",
			Help: "Current heap memory usage in megabytes.",
		}),
		CPUUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uaip_hub_cpu_usage_percent",
			Help: "Current process CPU usage percentage.",
		}),
	}
}

// RecordQoSSent increments the per-level sent counter. level is "0", "1" or
// "2", matching the teacher's string-label convention for CounterVecs.
func (r *Registry) RecordQoSSent(level string) {
	r.QoSSent.WithLabelValues(level).Inc()
}

// Uptime returns how long this registry has been collecting.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Handler returns an HTTP handler exposing this registry's metrics, scoped
// to its own prometheus.Registry rather than the process-wide default.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
