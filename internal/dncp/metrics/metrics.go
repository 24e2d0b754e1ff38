// Package metrics exposes Prometheus instrumentation for the DNCP run loop,
// mirroring the label conventions the liveness manager uses for its FSM.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelLink   = "link"
	LabelResult = "result"
)

var linkLabels = []string{LabelLink}

var (
	Nodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dncp_registry_nodes",
			Help: "Current number of nodes held in the registry, reachable or within grace.",
		},
	)

	PrunePasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dncp_prune_passes_total",
			Help: "Count of completed reachability-pruner passes.",
		},
	)

	PruneDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dncp_prune_duration_seconds",
			Help: "Time to execute one prune pass.",
		},
	)

	NodesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dncp_prune_nodes_dropped_total",
			Help: "Count of nodes dropped by the pruner after their grace window elapsed.",
		},
	)

	TrickleInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dncp_trickle_interval_seconds",
			Help: "Current Trickle interval (trickle_i) per link.",
		},
		linkLabels,
	)

	TrickleSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dncp_trickle_sends_total",
			Help: "Count of network-state summaries sent, by link and outcome.",
		},
		withLinkLabels(LabelResult),
	)

	NetworkHashChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dncp_network_hash_changes_total",
			Help: "Count of times the recomputed network hash differed from its previous value.",
		},
	)

	NeighborsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dncp_neighbors_expired_total",
			Help: "Count of neighbor liveness expirations, by link.",
		},
		linkLabels,
	)

	LinkJoinFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dncp_link_join_failures_total",
			Help: "Count of failed multicast-group join attempts, by link.",
		},
		linkLabels,
	)

	RunLoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dncp_run_loop_duration_seconds",
			Help: "Wall time to execute one run-loop pass.",
		},
	)
)

func withLinkLabels(labels ...string) []string {
	return append(append([]string{}, linkLabels...), labels...)
}

// ObserveRunLoop records the duration of a single run-loop pass.
func ObserveRunLoop(d time.Duration) {
	RunLoopDuration.Observe(d.Seconds())
}

// ObservePrune records a completed prune pass, its duration, and how many
// nodes it dropped.
func ObservePrune(d time.Duration, dropped int) {
	PrunePasses.Inc()
	PruneDuration.Observe(d.Seconds())
	if dropped > 0 {
		NodesDropped.Add(float64(dropped))
	}
}
