// Package metrics wraps the Prometheus collectors used by the funding service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides service metrics collection on its own registry
type Collector struct {
	registry *prometheus.Registry

	fetchLatency   *prometheus.HistogramVec
	fetchFailures  *prometheus.CounterVec
	cycles         prometheus.Counter
	sessions       prometheus.Gauge
	quoteLatency   *prometheus.HistogramVec
	buildLatency   *prometheus.HistogramVec
	ledgerPolls    *prometheus.CounterVec
	pendingEntries prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

// NewCollector creates a collector under the given namespace
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "funding"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.fetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "fetch_duration_seconds",
			Help:      "Time taken to fetch balances from one chain",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"chain_id", "result"},
	)
	c.fetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "fetch_failures_total",
			Help:      "Balance fetches that contributed an empty result",
		},
		[]string{"chain_id"},
	)
	c.cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "cycles_total",
		Help:      "Completed aggregation cycles",
	})
	c.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "sessions",
		Help:      "Running aggregation sessions",
	})
	c.quoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "duration_seconds",
			Help:      "Fee quotation pipeline latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"result"},
	)
	c.buildLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "build_duration_seconds",
			Help:      "Relay build and simulation latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"result"},
	)
	c.ledgerPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "ledger_polls_total",
			Help:      "Remote ledger polls by result (ok, stale)",
		},
		[]string{"result"},
	)
	c.pendingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "optimistic_entries",
		Help:      "Optimistic transfers not yet superseded",
	})
	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	c.registry.MustRegister(
		c.fetchLatency,
		c.fetchFailures,
		c.cycles,
		c.sessions,
		c.quoteLatency,
		c.buildLatency,
		c.ledgerPolls,
		c.pendingEntries,
		c.httpRequests,
	)

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordFetch records one per-chain balance fetch
func (c *Collector) RecordFetch(chainID string, duration time.Duration, err error) {
	c.fetchLatency.WithLabelValues(chainID, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.fetchFailures.WithLabelValues(chainID).Inc()
	}
}

// RecordCycle records a completed aggregation cycle
func (c *Collector) RecordCycle() {
	c.cycles.Inc()
}

// SetSessions sets the number of running aggregation sessions
func (c *Collector) SetSessions(n int) {
	c.sessions.Set(float64(n))
}

// RecordQuote records a fee quotation
func (c *Collector) RecordQuote(duration time.Duration, err error) {
	c.quoteLatency.WithLabelValues(result(err)).Observe(duration.Seconds())
}

// RecordBuild records a relay build and simulation
func (c *Collector) RecordBuild(duration time.Duration, err error) {
	c.buildLatency.WithLabelValues(result(err)).Observe(duration.Seconds())
}

// RecordLedgerPoll records a ledger poll; stale means the previous snapshot was reused
func (c *Collector) RecordLedgerPoll(stale bool) {
	if stale {
		c.ledgerPolls.WithLabelValues("stale").Inc()
		return
	}
	c.ledgerPolls.WithLabelValues("ok").Inc()
}

// SetPendingEntries sets the optimistic entry gauge
func (c *Collector) SetPendingEntries(n int) {
	c.pendingEntries.Set(float64(n))
}

// RecordHTTPRequest records an API request
func (c *Collector) RecordHTTPRequest(route, status string) {
	c.httpRequests.WithLabelValues(route, status).Inc()
}
