// Package metrics exposes sync subsystem metrics to Prometheus.
//
// Counters:
//   - fieldsync_mutations_total{type,outcome}: delivery attempts by outcome
//   - fieldsync_drains_total: completed drains
//
// Histograms:
//   - fieldsync_drain_duration_seconds: drain latency
//
// Gauges:
//   - fieldsync_queue_items{status}: queue depth by status
//   - fieldsync_queue_conflicts: items held for conflict resolution
//   - fieldsync_online: 1 when the backend is reachable
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

const namespace = "fieldsync"

// Collector records sync metrics.
type Collector struct {
	mutations     *prometheus.CounterVec
	drains        prometheus.Counter
	drainDuration prometheus.Histogram
	queueItems    *prometheus.GaugeVec
	conflicts     prometheus.Gauge
	online        prometheus.Gauge
}

// NewCollector creates a collector and registers it with reg. A nil reg
// uses a private registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Delivery attempts of queued mutations by type and outcome",
		}, []string{"type", "outcome"}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Total number of completed queue drains",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Queue drain latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Current number of queued mutations by status",
		}, []string{"status"}),
		conflicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_conflicts",
			Help:      "Current number of mutations held for conflict resolution",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the backend is reachable, 0 otherwise",
		}),
	}

	reg.MustRegister(c.mutations, c.drains, c.drainDuration, c.queueItems, c.conflicts, c.online)
	return c
}

// RecordOutcome counts one delivery attempt.
func (c *Collector) RecordOutcome(mutationType string, outcome string) {
	c.mutations.WithLabelValues(mutationType, outcome).Inc()
}

// RecordDrain records a completed drain.
func (c *Collector) RecordDrain(duration time.Duration, processed int) {
	c.drains.Inc()
	c.drainDuration.Observe(duration.Seconds())
}

// UpdateQueueStats sets the queue gauges.
func (c *Collector) UpdateQueueStats(stats models.QueueStats) {
	c.queueItems.WithLabelValues(string(models.QueueStatusPending)).Set(float64(stats.Pending))
	c.queueItems.WithLabelValues(string(models.QueueStatusSyncing)).Set(float64(stats.Syncing))
	c.queueItems.WithLabelValues(string(models.QueueStatusFailed)).Set(float64(stats.Failed))
	c.conflicts.Set(float64(len(stats.Conflicts())))
}

// SetOnline records connectivity.
func (c *Collector) SetOnline(online bool) {
	if online {
		c.online.Set(1)
	} else {
		c.online.Set(0)
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
