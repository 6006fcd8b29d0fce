package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for evaluation bookkeeping
// (computations, restarts, invalidations, cycle detection, GC),
// adapted from the teacher's tracing.Metrics but rescoped from
// semantic-action/workflow tracing. NewMetrics registers them; the
// evaluator and the plugins do not update them.
type Metrics struct {
	ComputeDuration   *prometheus.HistogramVec
	ComputeTotal      *prometheus.CounterVec
	ComputeErrors     *prometheus.CounterVec
	RestartsTotal     *prometheus.CounterVec
	InFlightNodes     prometheus.Gauge
	InjectionsTotal   *prometheus.CounterVec
	InjectedVersion   prometheus.Gauge
	DirtyPropagations *prometheus.CounterVec
	CyclesDetected    prometheus.Counter
	GraphNodesGCed    *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector under
// namespace, defaulting to "buildgraph" the way the teacher's
// NewMetrics defaults its namespace to "eve_tracing".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "buildgraph"
	}

	return &Metrics{
		ComputeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Duration of a single compute-function invocation.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"kind", "outcome"}),

		ComputeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compute_total",
			Help:      "Total compute-function invocations.",
		}, []string{"kind", "outcome"}),

		ComputeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compute_errors_total",
			Help:      "Total compute-function invocations that produced an error.",
		}, []string{"kind", "error_kind"}),

		RestartsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Total times a compute function returned a restart request.",
		}, []string{"kind"}),

		InFlightNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_nodes",
			Help:      "Nodes currently BUILDING.",
		}),

		InjectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injections_total",
			Help:      "Total externally-injected value changes.",
		}, []string{"kind"}),

		InjectedVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "injected_version",
			Help:      "The most recently stamped injection version.",
		}),

		DirtyPropagations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dirty_propagations_total",
			Help:      "Total nodes marked DIRTY or CHANGED by an invalidation pass.",
		}, []string{"state"}),

		CyclesDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_detected_total",
			Help:      "Total dependency cycles detected.",
		}),

		GraphNodesGCed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_nodes_gc_total",
			Help:      "Total nodes reclaimed by DeleteOldNodes.",
		}, []string{"reason"}),
	}
}
