// Package metrics exposes Prometheus collectors for login sessions, token exchanges and
// event delivery. All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kirodesk"

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionOutcomes  *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	refreshes        *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Login sessions currently in flight.",
		}, []string{"provider", "mode"}),
		sessionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Login sessions by terminal status.",
		}, []string{"provider", "status"}),
		exchangeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_exchange_duration_seconds",
			Help:      "Duration of token endpoint calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "op", "result"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by result.",
		}, []string{"provider", "result"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a subscriber whose buffer was full.",
		}, []string{"event"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted increments the active gauge.
func (m *Metrics) SessionStarted(provider, mode string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(provider, mode).Inc()
}

// SessionEnded decrements the active gauge and counts the terminal status.
func (m *Metrics) SessionEnded(provider, mode, status string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(provider, mode).Dec()
	m.sessionOutcomes.WithLabelValues(provider, status).Inc()
}

// ObserveExchange records one token endpoint call.
func (m *Metrics) ObserveExchange(provider, op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.exchangeDuration.WithLabelValues(provider, op, result).Observe(d.Seconds())
}

// RefreshDone counts a refresh attempt.
func (m *Metrics) RefreshDone(provider, result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(provider, result).Inc()
}

// EventDropped counts an undelivered event.
func (m *Metrics) EventDropped(event string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(event).Inc()
}
