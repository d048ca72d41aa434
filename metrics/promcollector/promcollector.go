// Package promcollector implements metrics.Collector on Prometheus.
package promcollector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c0deZ3R0/go-canvas-sync/metrics"
)

// Collector registers its series on the registerer passed to New.
type Collector struct {
	durations   *prometheus.HistogramVec
	upserts     prometheus.Counter
	deletes     prometheus.Counter
	batches     prometheus.Counter
	errors      *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
	connection  *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	presence    *prometheus.CounterVec
}

var _ metrics.Collector = (*Collector)(nil)

var statuses = []string{"connected", "disconnected", "reconnecting"}

// New creates the collector under namespace. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of flush, fetch and reconcile operations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),
		upserts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_upserts_total",
			Help:      "Entities upserted by flushed batches",
		}),
		deletes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_deletes_total",
			Help:      "Entities deleted by flushed batches",
		}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_batches_total",
			Help:      "Batch writes committed",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Operation errors by kind",
		}, []string{"operation", "kind"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_decisions_total",
			Help:      "Change feed events by decision",
		}, []string{"decision"}),
		reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_entities_total",
			Help:      "Entities changed by reconciliation",
		}, []string{"action"}),
		connection: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection status transitions by target status",
		}, []string{"status"}),
		presence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_updates_total",
			Help:      "Presence position updates, sent or coalesced by the throttle",
		}, []string{"result"}),
	}
}

func (c *Collector) RecordDuration(operation string, duration time.Duration) {
	c.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordWrites(upserts, deletes int) {
	c.batches.Inc()
	c.upserts.Add(float64(upserts))
	c.deletes.Add(float64(deletes))
}

func (c *Collector) RecordErrors(operation string, errorKind string) {
	if errorKind == "" {
		errorKind = "unknown"
	}
	c.errors.WithLabelValues(operation, errorKind).Inc()
}

func (c *Collector) RecordDecision(decision string) {
	c.decisions.WithLabelValues(decision).Inc()
}

func (c *Collector) RecordReconcile(added, removed, updated int) {
	c.reconciled.WithLabelValues("added").Add(float64(added))
	c.reconciled.WithLabelValues("removed").Add(float64(removed))
	c.reconciled.WithLabelValues("updated").Add(float64(updated))
}

func (c *Collector) RecordConnectionState(status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.connection.WithLabelValues(s).Set(v)
	}
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collector) RecordPresencePublish(sent bool) {
	result := "coalesced"
	if sent {
		result = "sent"
	}
	c.presence.WithLabelValues(result).Inc()
}
