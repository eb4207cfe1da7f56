// Package metrics holds the Prometheus collectors of the core. A single
// Metrics value is created at startup with the process-wide registerer
// and handed to the components that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core records into.
type Metrics struct {
	MergeTotal       *prometheus.CounterVec
	MergeDuration    *prometheus.HistogramVec
	MergeChanges     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	TasksOutstanding prometheus.Gauge
	TasksTotal       *prometheus.CounterVec
	BusDropped       prometheus.Counter
	BusSubscribers   prometheus.Gauge
	CommandsTotal    *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg and returns the bundle.
// Passing a fresh registry keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MergeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ckcore_merge_total",
			Help: "Merges processed, by graph and outcome.",
		}, []string{"graph", "outcome"}),
		MergeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ckcore_merge_duration_seconds",
			Help:    "Wall time of merge operations.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"graph"}),
		MergeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ckcore_merge_changes_total",
			Help: "Individual node/edge changes applied, by change kind.",
		}, []string{"graph", "kind"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ckcore_query_duration_seconds",
			Help:    "Wall time of query execution.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"graph", "kind"}),
		TasksOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ckcore_worker_tasks_outstanding",
			Help: "Tasks currently held by a worker.",
		}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ckcore_worker_tasks_total",
			Help: "Worker tasks by terminal outcome.",
		}, []string{"outcome"}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ckcore_bus_dropped_messages_total",
			Help: "Messages dropped because a subscriber queue was full.",
		}),
		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ckcore_bus_subscriptions",
			Help: "Live bus subscriptions.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ckcore_cli_commands_total",
			Help: "CLI commands executed, by command name.",
		}, []string{"command"}),
	}
	reg.MustRegister(
		m.MergeTotal, m.MergeDuration, m.MergeChanges, m.QueryDuration,
		m.TasksOutstanding, m.TasksTotal, m.BusDropped, m.BusSubscribers,
		m.CommandsTotal,
	)
	return m
}

// NewTestMetrics returns a bundle on a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordChanges adds a merge's change counts to the per-kind counter.
func (m *Metrics) RecordChanges(graphName string, created, updated, deleted, edgesCreated, edgesDeleted int) {
	m.MergeChanges.WithLabelValues(graphName, "nodes_created").Add(float64(created))
	m.MergeChanges.WithLabelValues(graphName, "nodes_updated").Add(float64(updated))
	m.MergeChanges.WithLabelValues(graphName, "nodes_deleted").Add(float64(deleted))
	m.MergeChanges.WithLabelValues(graphName, "edges_created").Add(float64(edgesCreated))
	m.MergeChanges.WithLabelValues(graphName, "edges_deleted").Add(float64(edgesDeleted))
}
