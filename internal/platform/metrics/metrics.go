// Package metrics holds the Prometheus collectors shared by the ingestion core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	NodeRequestDuration *prometheus.HistogramVec
	NodeFailures        *prometheus.CounterVec
	ConsensusOutcomes   *prometheus.CounterVec
	BlocksProcessed     *prometheus.CounterVec
	EventsEmitted       *prometheus.CounterVec
	ChainHeight         *prometheus.GaugeVec
	Reorgs              *prometheus.HistogramVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodeRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulse_ledger",
			Name:      "node_request_duration_seconds",
			Help:      "Latency of single node requests issued by the fan-out fetcher.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "node", "status"}),
		NodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse_ledger",
			Name:      "node_failures_total",
			Help:      "Node requests that failed or timed out.",
		}, []string{"chain", "node"}),
		ConsensusOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse_ledger",
			Name:      "consensus_outcomes_total",
			Help:      "Block confirmation outcomes by result.",
		}, []string{"chain", "outcome"}),
		BlocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse_ledger",
			Name:      "blocks_processed_total",
			Help:      "Blocks confirmed, processed and written.",
		}, []string{"chain", "status"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse_ledger",
			Name:      "events_emitted_total",
			Help:      "Assembled ledger events handed to sinks.",
		}, []string{"chain"}),
		ChainHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulse_ledger",
			Name:      "chain_height",
			Help:      "Latest height reported by the authoritative node and the local cursor.",
		}, []string{"chain", "kind"}),
		Reorgs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulse_ledger",
			Name:      "reorg_depth_blocks",
			Help:      "Depth of detected reorgs.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"chain"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.NodeRequestDuration,
			m.NodeFailures,
			m.ConsensusOutcomes,
			m.BlocksProcessed,
			m.EventsEmitted,
			m.ChainHeight,
			m.Reorgs,
		)
	}
	return m
}

func (m *Metrics) ObserveRequest(chain, node, status string, seconds float64) {
	if m == nil {
		return
	}
	m.NodeRequestDuration.WithLabelValues(chain, node, status).Observe(seconds)
}

func (m *Metrics) NodeFailed(chain, node string) {
	if m == nil {
		return
	}
	m.NodeFailures.WithLabelValues(chain, node).Inc()
}

func (m *Metrics) Consensus(chain, outcome string) {
	if m == nil {
		return
	}
	m.ConsensusOutcomes.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) BlockDone(chain, status string, events int) {
	if m == nil {
		return
	}
	m.BlocksProcessed.WithLabelValues(chain, status).Inc()
	if events > 0 {
		m.EventsEmitted.WithLabelValues(chain).Add(float64(events))
	}
}

func (m *Metrics) Height(chain, kind string, height int64) {
	if m == nil {
		return
	}
	m.ChainHeight.WithLabelValues(chain, kind).Set(float64(height))
}

func (m *Metrics) Reorg(chain string, depth int) {
	if m == nil {
		return
	}
	m.Reorgs.WithLabelValues(chain).Observe(float64(depth))
}
