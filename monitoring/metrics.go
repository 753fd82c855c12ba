package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/txrelay"
)

// namespace prefixes every exported metric.
const namespace = "stemd"

// Metrics holds the relay metrics of a node. It records the events of the
// Dandelion++ router and pool manager, and the rejections of the relay
// handler.
type Metrics struct {
	registry *prometheus.Registry

	txsRouted         *prometheus.CounterVec
	epochs            *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	stemFailures      prometheus.Counter
	embargoesExpired  prometheus.Counter
	broadcastFailures prometheus.Counter
}

// A compile time check to ensure Metrics satisfies the dandelion.Recorder
// interface.
var _ dandelion.Recorder = (*Metrics)(nil)

// NewMetrics creates the relay metrics on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		txsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dandelion",
			Name:      "txs_routed_total",
			Help:      "Transactions sent out, by relay state.",
		}, []string{"state"}),
		epochs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dandelion",
			Name:      "epochs_total",
			Help:      "Started epochs, by coin.",
		}, []string{"state"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rejections_total",
			Help:      "Rejected transactions, by reason.",
		}, []string{"reason"}),
		stemFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dandelion",
			Name:      "stem_failures_total",
			Help:      "Stem forwards that failed.",
		}),
		embargoesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dandelion",
			Name:      "embargoes_expired_total",
			Help:      "Stem transactions fluffed by their embargo.",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "broadcast_failures_total",
			Help:      "Fluff requests a peer failed to take.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
		m.txsRouted, m.epochs, m.rejections, m.stemFailures,
		m.embargoesExpired, m.broadcastFailures,
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// EpochRotated counts a new epoch.
func (m *Metrics) EpochRotated(state dandelion.State) {
	m.epochs.WithLabelValues(state.String()).Inc()
}

// TxRouted counts a transaction sent out in the given state.
func (m *Metrics) TxRouted(state dandelion.State) {
	m.txsRouted.WithLabelValues(state.String()).Inc()
}

// StemFailed counts a failed stem forward.
func (m *Metrics) StemFailed() {
	m.stemFailures.Inc()
}

// EmbargoFired counts an embargo that fluffed its transaction.
func (m *Metrics) EmbargoFired() {
	m.embargoesExpired.Inc()
}

// PeerBroadcastFailed counts a peer that failed to take a fluffed
// transaction.
func (m *Metrics) PeerBroadcastFailed() {
	m.broadcastFailures.Inc()
}

// TxRejected counts every reason a transaction was rejected for.
func (m *Metrics) TxRejected(flags txrelay.RejectFlags) {
	for _, flag := range flags.Flags() {
		m.rejections.WithLabelValues(flag.String()).Inc()
	}
}

// RegisterPoolGauges exports the size of the client pool and the number of
// claimed stem peers, both sampled at scrape time.
func (m *Metrics) RegisterPoolGauges(poolSize, stemPeers func() int) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "peers",
			Help:      "Connected peers in the client pool.",
		}, func() float64 {
			return float64(poolSize())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "stem_peers",
			Help:      "Peers claimed as stem peers.",
		}, func() float64 {
			return float64(stemPeers())
		}),
	}

	for _, gauge := range gauges {
		if err := m.registry.Register(gauge); err != nil {
			return err
		}
	}

	return nil
}
