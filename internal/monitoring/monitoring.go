// Package monitoring exposes Prometheus metrics for the synchronizer's
// dispatch loop: message throughput, sync round trips, ephemeral gossip
// volume, and channel/document counts.
package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesSent         prometheus.Counter
	MessagesReceived     prometheus.Counter
	SyncRoundTrips       prometheus.Counter
	SyncDuration         prometheus.Histogram
	EphemeralBroadcasts  prometheus.Counter
	EphemeralDropped     prometheus.Counter
	ChannelsEstablished  prometheus.Gauge
	DocumentsTracked     prometheus.Gauge
	HeartbeatTicks       prometheus.Counter
	ErrorCount           prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics returns the process-wide Metrics. The first call registers
// its collectors on the default Prometheus registry; later calls return
// the same instance instead of registering duplicates.
func NewMetrics() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = newMetrics() })
	return defaultMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synchronizer_messages_sent_total",
			Help: "Total number of wire messages sent across all adapters",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synchronizer_messages_received_total",
			Help: "Total number of wire messages received across all adapters",
		}),
		SyncRoundTrips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synchronizer_sync_round_trips_total",
			Help: "Total number of completed sync-request/sync round trips",
		}),
		SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synchronizer_sync_duration_seconds",
			Help:    "Time from sync-request dispatch to resolving transmission",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		EphemeralBroadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synchronizer_ephemeral_broadcasts_total",
			Help: "Total number of ephemeral gossip frames broadcast",
		}),
		EphemeralDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synchronizer_ephemeral_dropped_total",
			Help: "Total number of ephemeral frames dropped for exceeding the hop bound",
		}),
		ChannelsEstablished: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synchronizer_channels_established",
			Help: "Number of currently established channels",
		}),
		DocumentsTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synchronizer_documents_tracked",
			Help: "Number of documents currently tracked by this node",
		}),
		HeartbeatTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synchronizer_heartbeat_ticks_total",
			Help: "Total number of heartbeat ticks processed",
		}),
		ErrorCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synchronizer_errors_total",
			Help: "Total number of command execution errors",
		}),
	}
}
