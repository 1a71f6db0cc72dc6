// Package metrics exposes gateway activity as Prometheus collectors. The
// collectors live on their own registry so several gateways can share a
// process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/health"
	"github.com/tjfontaine/edu-ai-gateway/internal/scheduler"
)

const namespace = "edu_ai_gateway"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	queueWait prometheus.Histogram
	latency   *prometheus.HistogramVec
	cache     *prometheus.CounterVec
	circuit   *prometheus.GaugeVec
	decisions *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests finished by the scheduler, by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider calls started.",
		}, []string{"provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retries of the same provider after a transient error.",
		}, []string{"provider", "kind"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for a concurrency slot.",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 15, 30},
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of successful provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by purpose and result.",
		}, []string{"purpose", "result"}),
		circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_decisions_total",
			Help:      "Secure gateway decisions.",
		}, []string{"decision"}),
	}

	m.registry.MustRegister(
		m.requests, m.attempts, m.retries, m.queueWait, m.latency,
		m.cache, m.circuit, m.decisions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterInFlight exposes the scheduler's in-flight count as a gauge.
func (m *Metrics) RegisterInFlight(inFlight func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight_requests",
		Help:      "Provider calls currently holding a concurrency slot.",
	}, func() float64 { return float64(inFlight()) }))
}

// ObserveScheduler is a scheduler.Observer.
func (m *Metrics) ObserveScheduler(e scheduler.Event) {
	switch e.State {
	case scheduler.StateAdmitted:
		m.queueWait.Observe(e.Wait.Seconds())
	case scheduler.StateInFlight:
		m.attempts.WithLabelValues(e.Provider).Inc()
	case scheduler.StateRetrying:
		if e.Err != nil {
			m.retries.WithLabelValues(e.Provider, string(domain.KindOf(e.Err))).Inc()
		}
	case scheduler.StateCompleted:
		m.requests.WithLabelValues(string(e.Purpose), "completed").Inc()
		m.latency.WithLabelValues(e.Provider).Observe(e.Latency.Seconds())
	case scheduler.StateFailed:
		m.requests.WithLabelValues(string(e.Purpose), string(domain.KindOf(e.Err))).Inc()
	}
}

// ObserveCache is a cache result hook.
func (m *Metrics) ObserveCache(purpose domain.Purpose, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(string(purpose), result).Inc()
}

// ObserveCircuit is a health state hook.
func (m *Metrics) ObserveCircuit(provider string, _, to health.State) {
	var v float64
	switch to {
	case health.StateHalfOpen:
		v = 1
	case health.StateOpen:
		v = 2
	}
	m.circuit.WithLabelValues(provider).Set(v)
}

// ObserveDecision counts a secure gateway decision.
func (m *Metrics) ObserveDecision(decision domain.Decision) {
	m.decisions.WithLabelValues(string(decision)).Inc()
}
