// Package metrics wires the placement engine's internal counters onto a
// prometheus registry: the pool-map version gauge and counters for each of
// the four rebalancing triggers (rebuild, reintegration, addition, and the
// target-state transitions that drive them).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a bundle of collectors registered against one
// prometheus.Registerer. Callers construct one per process and pass it
// down, the way a zap logger is passed down, rather than reaching for
// prometheus's global default registry.
type Metrics struct {
	PoolMapVersion   *prometheus.GaugeVec
	RebuildEntries   *prometheus.CounterVec
	ReintEntries     *prometheus.CounterVec
	AdditionEntries  *prometheus.CounterVec
	TargetTransition *prometheus.CounterVec
}

// New creates and registers the collector set. reg may be
// prometheus.NewRegistry() for tests or prometheus.DefaultRegisterer for a
// running process.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoolMapVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torua_placement",
			Name:      "pool_map_version",
			Help:      "Current pool map version, by pool UUID.",
		}, []string{"pool"}),
		RebuildEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torua_placement",
			Name:      "rebuild_entries_total",
			Help:      "Number of shards scheduled for rebuild onto a spare target.",
		}, []string{"pool"}),
		ReintEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torua_placement",
			Name:      "reint_entries_total",
			Help:      "Number of shards recovered back onto a reintegrated target.",
		}, []string{"pool"}),
		AdditionEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torua_placement",
			Name:      "addition_entries_total",
			Help:      "Number of shards moved onto a newly extended target.",
		}, []string{"pool"}),
		TargetTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torua_placement",
			Name:      "target_transitions_total",
			Help:      "Target-state-machine transitions, by operation and resulting status.",
		}, []string{"op", "status"}),
	}

	reg.MustRegister(m.PoolMapVersion, m.RebuildEntries, m.ReintEntries, m.AdditionEntries, m.TargetTransition)
	return m
}
