// Package metrics exposes the proxy's runtime counters as Prometheus
// metrics. The counter/histogram grouping mirrors the shape of
// laplaque-ai-anonymizing-proxy's internal/anonymizer/metrics.go (requests,
// errors, latency, uptime), but the collectors themselves are backed by
// github.com/prometheus/client_golang, a real direct dependency already
// carried by projectcontour-contour in the example pack, rather than a
// hand-rolled atomic snapshot type.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter and histogram the proxy updates on a state
// transition. Increments never block a worker goroutine.
type Metrics struct {
	ConnectionsTotal   *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
	DecisionsTotal     *prometheus.CounterVec
	UpstreamErrors     prometheus.Counter
	CertsMinted        prometheus.Counter
	DecisionWaitSecs   *prometheus.HistogramVec
	UpstreamLatencySec prometheus.Histogram

	startTime time.Time
}

// New constructs a Metrics instance and registers its collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitm_proxy",
			Name:      "connections_total",
			Help:      "Accepted connections by kind (connect, plain).",
		}, []string{"kind"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitm_proxy",
			Name:      "requests_total",
			Help:      "Requests processed by outcome (forwarded, blocked, error, timeout).",
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitm_proxy",
			Name:      "decisions_total",
			Help:      "Terminal decisions observed, by stage and status.",
		}, []string{"stage", "status"}),
		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm_proxy",
			Name:      "upstream_errors_total",
			Help:      "Upstream dial/round-trip failures.",
		}),
		CertsMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm_proxy",
			Name:      "certs_minted_total",
			Help:      "Leaf certificates minted by the certificate authority.",
		}),
		DecisionWaitSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mitm_proxy",
			Name:      "decision_wait_seconds",
			Help:      "Time spent suspended waiting for a control-plane decision.",
			Buckets:   []float64{.05, .1, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		UpstreamLatencySec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mitm_proxy",
			Name:      "upstream_latency_seconds",
			Help:      "Upstream request round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		startTime: time.Now(),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.RequestsTotal,
		m.DecisionsTotal,
		m.UpstreamErrors,
		m.CertsMinted,
		m.DecisionWaitSecs,
		m.UpstreamLatencySec,
	)
	return m
}

// Uptime reports how long this Metrics instance has been alive, surfaced on
// the /api/stats control-plane endpoint alongside store-derived counts.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
