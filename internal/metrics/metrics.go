// Package metrics exposes Prometheus counters describing the health of the
// telemetry pipeline itself.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Path labels for the two dispatch paths.
const (
	PathLocal  = "local"
	PathRemote = "remote"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	EventsEnqueued *prometheus.CounterVec
	EventsOverflow *prometheus.CounterVec
	RemoteFailures *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	IdleEvents     prometheus.Counter
	RemoteLatency  prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pychatcat_events_enqueued_total",
			Help: "Events handed to a background dispatch path",
		}, []string{"path"}),

		// Queue full: the write ran on a detached goroutine (local) or was
		// dropped (remote).
		EventsOverflow: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pychatcat_events_overflow_total",
			Help: "Events that found their dispatch queue full",
		}, []string{"path"}),

		RemoteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pychatcat_remote_failures_total",
			Help: "Failed collector requests by failure kind",
		}, []string{"kind"}),

		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pychatcat_store_errors_total",
			Help: "Local store writes that failed, by operation",
		}, []string{"op"}),

		IdleEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "pychatcat_idle_events_total",
			Help: "Synthetic idle events recorded",
		}),

		RemoteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pychatcat_remote_request_duration_seconds",
			Help:    "Collector request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
}

// Enqueued records an event handed to path.
func (m *Metrics) Enqueued(path string) {
	if m == nil {
		return
	}
	m.EventsEnqueued.WithLabelValues(path).Inc()
}

// Overflow records an event that found the path's queue full.
func (m *Metrics) Overflow(path string) {
	if m == nil {
		return
	}
	m.EventsOverflow.WithLabelValues(path).Inc()
}

// RemoteFailure records a failed collector request.
func (m *Metrics) RemoteFailure(kind string) {
	if m == nil {
		return
	}
	m.RemoteFailures.WithLabelValues(kind).Inc()
}

// StoreError records a failed local write.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

// Idle records a synthetic idle event.
func (m *Metrics) Idle() {
	if m == nil {
		return
	}
	m.IdleEvents.Inc()
}

// ObserveRemote records the latency of one collector request.
func (m *Metrics) ObserveRemote(d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteLatency.Observe(d.Seconds())
}
