// Package metrics exports migration progress as prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"go-data-migrate/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector turns progress snapshots into metrics.
type Collector struct {
	registry *prometheus.Registry

	documents       prometheus.Gauge
	mutations       prometheus.Gauge
	pending         prometheus.Gauge
	queued          prometheus.Gauge
	transformErrors prometheus.Gauge
	transactions    *prometheus.CounterVec
	attempts        prometheus.Histogram
	state           *prometheus.GaugeVec

	mu   sync.Mutex
	seen int
}

var states = []model.RunState{
	model.StateIdle, model.StateRunning, model.StateDraining,
	model.StateDone, model.StateFailed, model.StateCancelled,
}

// NewCollector registers the migration metrics on a fresh registry.
func NewCollector(migration string) *Collector {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"migration": migration}
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		documents: f.NewGauge(prometheus.GaugeOpts{
			Name:        "migrate_documents_processed",
			Help:        "Documents read and transformed so far",
			ConstLabels: labels,
		}),
		mutations: f.NewGauge(prometheus.GaugeOpts{
			Name:        "migrate_mutations_generated",
			Help:        "Mutations queued for submission so far",
			ConstLabels: labels,
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name:        "migrate_transactions_in_flight",
			Help:        "Transactions submitted and awaiting a result",
			ConstLabels: labels,
		}),
		queued: f.NewGauge(prometheus.GaugeOpts{
			Name:        "migrate_transactions_queued",
			Help:        "Transactions waiting for a submission slot",
			ConstLabels: labels,
		}),
		transformErrors: f.NewGauge(prometheus.GaugeOpts{
			Name:        "migrate_transform_errors",
			Help:        "Documents whose migration callback failed",
			ConstLabels: labels,
		}),
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "migrate_transactions_total",
			Help:        "Transactions that reached a terminal outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "migrate_transaction_attempts",
			Help:        "Submission attempts per transaction",
			Buckets:     []float64{1, 2, 3, 4, 5, 8},
			ConstLabels: labels,
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "migrate_run_state",
			Help:        "1 for the current run state",
			ConstLabels: labels,
		}, []string{"state"}),
	}
}

// Observe is a progress sink.
func (c *Collector) Observe(p model.MigrationProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.documents.Set(float64(p.Documents))
	c.mutations.Set(float64(p.Mutations))
	c.pending.Set(float64(p.Pending))
	c.queued.Set(float64(p.QueuedBatches))
	c.transformErrors.Set(float64(len(p.TransformErrors)))
	for _, s := range states {
		v := 0.0
		if s == p.State {
			v = 1
		}
		c.state.WithLabelValues(string(s)).Set(v)
	}

	for _, res := range p.CompletedTransactions[min(c.seen, len(p.CompletedTransactions)):] {
		outcome := "committed"
		switch {
		case !res.Succeeded():
			outcome = "failed"
		case res.DryRun:
			outcome = "recorded"
		}
		c.transactions.WithLabelValues(outcome).Inc()
		c.attempts.Observe(float64(res.Attempts))
	}
	c.seen = len(p.CompletedTransactions)
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
