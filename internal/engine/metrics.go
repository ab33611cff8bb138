package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's Prometheus collectors.
type Metrics struct {
	triggered      prometheus.Counter
	deduplicated   prometheus.Counter
	materialized   *prometheus.CounterVec
	duration       prometheus.Histogram
	reclaimed      prometheus.Counter
	queueDepth     prometheus.Gauge
	runningWorkers prometheus.Gauge
}

// NewMetrics registers the coordinator's collectors with r. A nil r creates
// unregistered collectors.
func NewMetrics(r prometheus.Registerer) *Metrics {
	return &Metrics{
		triggered: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "queries_triggered_total",
			Help:      "Total number of triggers that queued a new execution.",
		}),
		deduplicated: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "queries_deduplicated_total",
			Help:      "Total number of triggers answered from an existing state.",
		}),
		materialized: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "materializations_total",
			Help:      "Total number of finished materializations by outcome.",
		}, []string{"outcome"}),
		duration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowq",
			Name:      "materialization_duration_seconds",
			Help:      "Time taken to materialise a query result.",
			Buckets:   prometheus.DefBuckets,
		}),
		reclaimed: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "flowq",
			Name:      "queries_reclaimed_total",
			Help:      "Total number of stalled executions moved to errored.",
		}),
		queueDepth: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "flowq",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting for a worker.",
		}),
		runningWorkers: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "flowq",
			Name:      "busy_workers",
			Help:      "Number of workers currently materialising.",
		}),
	}
}
