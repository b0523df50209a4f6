// Package metrics holds the Prometheus collectors of the indexer and the API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campaign_indexer"

// Metrics owns a private registry so tests and multiple servers do not collide
type Metrics struct {
	registry *prometheus.Registry

	EventsApplied  *prometheus.CounterVec
	ApplyDuration  prometheus.Histogram
	DecodeFailures prometheus.Counter
	CyclesTotal    *prometheus.CounterVec
	CursorBlock    prometheus.Gauge
	HeadBlock      prometheus.Gauge
	FinalizedBlock prometheus.Gauge
	RollbacksTotal prometheus.Counter
	RolledBackRows prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	CacheLookups   *prometheus.CounterVec
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Events handed to the projector, by kind and outcome.",
		}, []string{"kind", "result"}), // result: applied/duplicate/rejected/failed
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_apply_duration_seconds",
			Help:      "Time spent applying one event in its unit of work.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Logs skipped because they could not be decoded.",
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles, by phase and outcome.",
		}, []string{"phase", "result"}),
		CursorBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_block",
			Help:      "Last processed block.",
		}),
		HeadBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_block",
			Help:      "Latest block reported by the ledger.",
		}),
		FinalizedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finalized_block",
			Help:      "Highest block whose rows are finalized.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Reorg rollbacks performed.",
		}),
		RolledBackRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rolled_back_events_total",
			Help:      "Unfinalized events deleted by rollbacks.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Campaign detail cache lookups by result.",
		}, []string{"result"}), // hit/miss/error
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsApplied, m.ApplyDuration, m.DecodeFailures, m.CyclesTotal,
		m.CursorBlock, m.HeadBlock, m.FinalizedBlock, m.RollbacksTotal, m.RolledBackRows,
		m.HTTPRequests, m.HTTPDuration, m.CacheLookups,
	)
	return m
}

// Registry returns the registry the collectors are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveApply records one projector outcome
func (m *Metrics) ObserveApply(kind, result string, took time.Duration) {
	m.EventsApplied.WithLabelValues(kind, result).Inc()
	m.ApplyDuration.Observe(took.Seconds())
}
