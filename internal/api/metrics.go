package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the checkpoint service
// and the background workers, exposed on GET /metrics. Not named in
// spec.md, but carried as an ambient concern the reference controller
// always wires in.
type Metrics struct {
	CheckpointsCreated   prometheus.Counter
	CheckpointsFinalized *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	GCPasses             prometheus.Counter
	PollerPasses         prometheus.Counter
	ReconcilerPasses     prometheus.Counter
}

// NewMetrics registers and returns the engine's metric collectors against
// the default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		CheckpointsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "checkpoints_created_total",
			Help:      "Total number of checkpoints created.",
		}),
		CheckpointsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "checkpoints_finalized_total",
			Help:      "Total number of checkpoints finalized, by outcome.",
		}, []string{"status"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "e2epool",
			Name:      "queue_depth",
			Help:      "Number of pending/processing tasks in the durable queue.",
		}),
		GCPasses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "gc_passes_total",
			Help:      "Total number of garbage-collection sweep passes.",
		}),
		PollerPasses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "poller_passes_total",
			Help:      "Total number of CI-status poller passes.",
		}),
		ReconcilerPasses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "reconciler_passes_total",
			Help:      "Total number of reconciler passes.",
		}),
	}
}
