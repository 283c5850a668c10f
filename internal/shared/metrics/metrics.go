// Package metrics exposes prometheus collectors for the routing, dispatch,
// and billing paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream LLM latency buckets cover inference times well past DefBuckets.
var upstreamLatencyBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 45, 60, 90}

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	FallbacksTotal       prometheus.Counter
	ProviderRetriesTotal *prometheus.CounterVec
	KeyAuthFailuresTotal *prometheus.CounterVec
	CreditDebitsTotal    *prometheus.CounterVec
	ProviderLatency      *prometheus.HistogramVec
}

// New builds the collector set on a private registry so tests never collide
// on the global default.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keysource_requests_total",
				Help: "Total dispatched requests by operation, key source, and outcome.",
			},
			[]string{"operation", "source", "outcome"},
		),
		FallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keysource_fallbacks_total",
				Help: "Total BYOK attempts that fell back to the internal key source.",
			},
		),
		ProviderRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keysource_provider_retries_total",
				Help: "Total transient-error retries against upstream providers.",
			},
			[]string{"provider"},
		),
		KeyAuthFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keysource_key_auth_failures_total",
				Help: "Total upstream auth rejections of stored BYOK keys.",
			},
			[]string{"provider"},
		),
		CreditDebitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keysource_credit_debits_total",
				Help: "Total internal-credit debit attempts by result.",
			},
			[]string{"result"},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keysource_provider_latency_seconds",
				Help:    "Latency of upstream provider calls.",
				Buckets: upstreamLatencyBuckets,
			},
			[]string{"provider", "operation"},
		),
	}
}

// Handler serves the /metrics endpoint for this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
