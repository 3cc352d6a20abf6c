package cafeds

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors a single node registers. Each
// Node owns its own registry (rather than the global default one) so
// multiple nodes can coexist in the same test process without collector
// name collisions.
type Metrics struct {
	registry *prometheus.Registry

	ordersDelivered prometheus.Counter
	electionsStarted prometheus.Counter
	electionsWon     prometheus.Counter
	currentEpoch     prometheus.Gauge
	isLeader         prometheus.Gauge
	knownPeers       prometheus.Gauge
	walWrites        prometheus.Counter
}

// NewMetrics constructs and registers a fresh collector set labeled with
// the node's id so a shared scrape target can distinguish nodes.
func NewMetrics(nodeID int) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": strconv.Itoa(nodeID)}

	m := &Metrics{
		registry: reg,
		ordersDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cafeds_orders_delivered_total",
			Help:        "Total orders delivered in sequence order.",
			ConstLabels: labels,
		}),
		electionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cafeds_elections_started_total",
			Help:        "Total Bully elections this node initiated.",
			ConstLabels: labels,
		}),
		electionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cafeds_elections_won_total",
			Help:        "Total elections this node won (self-promoted to leader).",
			ConstLabels: labels,
		}),
		currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cafeds_epoch",
			Help:        "Current epoch as observed by this node.",
			ConstLabels: labels,
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cafeds_is_leader",
			Help:        "1 if this node currently holds the leader role, else 0.",
			ConstLabels: labels,
		}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cafeds_known_peers",
			Help:        "Number of peers currently in the registry.",
			ConstLabels: labels,
		}),
		walWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cafeds_wal_writes_total",
			Help:        "Total WAL append operations.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.ordersDelivered,
		m.electionsStarted,
		m.electionsWon,
		m.currentEpoch,
		m.isLeader,
		m.knownPeers,
		m.walWrites,
	)

	return m
}

// Registry exposes the private registry for an HTTP handler to serve.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
