// Package metrics exposes the node's operational signals as Prometheus
// collectors: pending/inflight proposals, proposal latency, unreachable
// peers, and snapshots taken. This generalizes the expvar counters the
// teacher keeps (proposePending, proposeDurations, proposeFailed) onto a
// labeled, scrapeable registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors one node registers.
type Metrics struct {
	ProposePending   prometheus.Gauge
	ProposeDurations prometheus.Histogram
	ProposeFailed    prometheus.Counter
	PeerUnreachable  *prometheus.CounterVec
	SnapshotsTaken   prometheus.Counter
}

// New constructs and registers a Metrics bundle against reg. Passing a
// fresh *prometheus.Registry per node keeps multiple in-process nodes
// (as used in tests) from colliding on collector names.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProposePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raftd",
			Name:      "propose_pending",
			Help:      "Number of proposals awaiting a committed reply.",
		}),
		ProposeDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "raftd",
			Name:      "propose_duration_seconds",
			Help:      "Latency from Propose to its committed reply.",
			Buckets:   prometheus.DefBuckets,
		}),
		ProposeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftd",
			Name:      "propose_failed_total",
			Help:      "Proposals that raft rejected at the time they were proposed.",
		}),
		PeerUnreachable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftd",
			Name:      "peer_unreachable_total",
			Help:      "Times a peer was reported unreachable after retries were exhausted.",
		}, []string{"peer_id"}),
		SnapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftd",
			Name:      "snapshots_taken_total",
			Help:      "Snapshots created by this node.",
		}),
	}

	reg.MustRegister(
		m.ProposePending,
		m.ProposeDurations,
		m.ProposeFailed,
		m.PeerUnreachable,
		m.SnapshotsTaken,
	)
	return m
}
