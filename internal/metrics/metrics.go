// Package metrics holds the Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Signal outcomes
const (
	OutcomeEmitted    = "emitted"
	OutcomeSuppressed = "suppressed"
	OutcomeNoSignal   = "no_signal"
	OutcomeError      = "error"
	OutcomeSkipped    = "skipped"
)

// Dispatch results
const (
	ResultTrigger   = "trigger"
	ResultEmpty     = "empty"
	ResultHTTPError = "http_error"
	ResultMalformed = "malformed"
	ResultNetwork   = "network_error"
	ResultLimited   = "rate_limited"
	ResultNoAuth    = "no_credentials"
)

// Metrics owns a private registry so that several instances (tests, embedded
// daemons) never collide. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	signals          *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	published        *prometheus.CounterVec
	dropped          *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neura_signals_total",
				Help: "Sampled signals by kind and throttle outcome",
			},
			[]string{"kind", "outcome"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neura_dispatch_total",
				Help: "Backend calls by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "neura_dispatch_duration_seconds",
				Help:    "Backend call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neura_triggers_published_total",
				Help: "Trigger results published to local consumers",
			},
			[]string{"kind"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neura_notifier_dropped_total",
				Help: "Messages dropped because a subscriber buffer was full",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		m.signals, m.dispatches, m.dispatchDuration, m.published, m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Signal counts one pipeline cycle outcome
func (m *Metrics) Signal(kind, outcome string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind, outcome).Inc()
}

// Dispatch counts one backend call and its latency
func (m *Metrics) Dispatch(endpoint, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(endpoint, result).Inc()
	if elapsed > 0 {
		m.dispatchDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}
}

// Published counts a trigger handed to the notifier
func (m *Metrics) Published(kind string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
}

// Dropped counts a message a subscriber could not take
func (m *Metrics) Dropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind).Inc()
}
