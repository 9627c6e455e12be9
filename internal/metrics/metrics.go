// Package metrics exposes the exporter's Prometheus instrumentation: queue
// depth, processing throughput, retry/failure counts, and discovery volume.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the exporter registers.
type Metrics struct {
	QueueSize        prometheus.Gauge
	ItemsDiscovered  *prometheus.CounterVec
	ItemsProcessed   *prometheus.CounterVec
	ItemsFailed      *prometheus.CounterVec
	ItemsRetried     *prometheus.CounterVec
	ProcessingTime   *prometheus.HistogramVec
	PersistenceOps   prometheus.Counter
	RunAborted       *prometheus.CounterVec
	ActiveWorkers    prometheus.Gauge
}

// New creates and registers the exporter's metrics under namespace. Pass a
// dedicated *prometheus.Registry in tests to avoid collisions with the
// default global registry.
func New(registry prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "confluence_exporter"
	}
	factory := promauto.With(registry)

	return &Metrics{
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Current number of items in the work queue.",
		}),
		ItemsDiscovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_discovered_total",
			Help:      "Total items discovered, by source type.",
		}, []string{"source_type"}),
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Total items that completed processing, by item type.",
		}, []string{"item_type"}),
		ItemsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Total items that exhausted retries, by error category.",
		}, []string{"category"}),
		ItemsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_retried_total",
			Help:      "Total retry attempts scheduled, by error category.",
		}, []string{"category"}),
		ProcessingTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_processing_seconds",
			Help:      "Time spent processing one item end to end.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"item_type", "outcome"}),
		PersistenceOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_operations_total",
			Help:      "Total snapshot save operations performed.",
		}),
		RunAborted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_aborted_total",
			Help:      "Total runs aborted by the failure governor, by reason.",
		}, []string{"reason"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Current number of worker goroutines processing an item.",
		}),
	}
}

// ObserveProcessing records the outcome and latency of processing one item.
func (m *Metrics) ObserveProcessing(itemType, outcome string, d time.Duration) {
	m.ProcessingTime.WithLabelValues(itemType, outcome).Observe(d.Seconds())
}
