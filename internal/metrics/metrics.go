// ABOUTME: Prometheus collectors for calls, limits, health, pools and sinks
// ABOUTME: Uses a private registry served by Handler on the metrics path

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_gateway"

// Metrics groups every collector the gateway exports.
type Metrics struct {
	registry *prometheus.Registry

	calls             *prometheus.CounterVec
	callDuration      *prometheus.HistogramVec
	retries           prometheus.Counter
	listedServers     *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	authFailures      prometheus.Counter
	healthTransitions *prometheus.CounterVec
	poolCheckouts     *prometheus.CounterVec
	poolEntries       prometheus.Gauge
	sinkDropped       *prometheus.CounterVec
	sinkFlushFailures *prometheus.CounterVec
	sinkWritten       *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls forwarded to MCP servers, by outcome code.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "End-to-end latency of forwarded tool calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_call_retries_total",
			Help:      "Tool calls retried after an unreachable downstream.",
		}),
		listedServers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_list_servers_total",
			Help:      "Servers queried by tool listings, by result (listed or skipped).",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests denied by the rate limiter, by kind.",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials.",
		}),
		healthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "MCP server health state transitions, by new state.",
		}, []string{"state"}),
		poolCheckouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_checkouts_total",
			Help:      "Connection checkouts, pooled or fresh after a bounded wait.",
		}, []string{"result"}),
		poolEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_entries",
			Help:      "Live connection pools, one per organization and endpoint origin.",
		}),
		sinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "Records dropped because a sink buffer was full.",
		}, []string{"sink"}),
		sinkFlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_flush_failures_total",
			Help:      "Failed batch writes, retried with backoff.",
		}, []string{"sink"}),
		sinkWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_written_total",
			Help:      "Records persisted by a sink.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calls,
		m.callDuration,
		m.retries,
		m.listedServers,
		m.rateLimited,
		m.authFailures,
		m.healthTransitions,
		m.poolCheckouts,
		m.poolEntries,
		m.sinkDropped,
		m.sinkFlushFailures,
		m.sinkWritten,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveCall records one forwarded tool call.
func (m *Metrics) ObserveCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncRetry counts a retried call.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncListedServer counts one server queried by a tool listing.
func (m *Metrics) IncListedServer(result string) {
	if m == nil {
		return
	}
	m.listedServers.WithLabelValues(result).Inc()
}

// IncRateLimited counts a denied request.
func (m *Metrics) IncRateLimited(kind string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(kind).Inc()
}

// IncAuthFailure counts a rejected credential.
func (m *Metrics) IncAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// IncHealthTransition counts a transition into state.
func (m *Metrics) IncHealthTransition(state string) {
	if m == nil {
		return
	}
	m.healthTransitions.WithLabelValues(state).Inc()
}

// IncPoolCheckout counts a checkout; result is "pooled" or "fresh".
func (m *Metrics) IncPoolCheckout(result string) {
	if m == nil {
		return
	}
	m.poolCheckouts.WithLabelValues(result).Inc()
}

// SetPoolEntries reports the number of live pools.
func (m *Metrics) SetPoolEntries(n int) {
	if m == nil {
		return
	}
	m.poolEntries.Set(float64(n))
}

// AddSinkDropped counts dropped records.
func (m *Metrics) AddSinkDropped(sink string, n int) {
	if m == nil {
		return
	}
	m.sinkDropped.WithLabelValues(sink).Add(float64(n))
}

// IncSinkFlushFailure counts a failed batch write.
func (m *Metrics) IncSinkFlushFailure(sink string) {
	if m == nil {
		return
	}
	m.sinkFlushFailures.WithLabelValues(sink).Inc()
}

// AddSinkWritten counts persisted records.
func (m *Metrics) AddSinkWritten(sink string, n int) {
	if m == nil {
		return
	}
	m.sinkWritten.WithLabelValues(sink).Add(float64(n))
}
