// Package metrics exposes connection recovery counters to Prometheus.
//
// All methods are safe to call on a nil *Metrics, which is what New returns
// for a nil registerer, so callers never need to check whether metrics are on.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arrowmq"

// Connect attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Metrics struct {
	// ConnectAttempts counts connection attempts per endpoint and outcome.
	ConnectAttempts *prometheus.CounterVec

	// ConnectLatency observes how long each connection attempt took.
	ConnectLatency prometheus.Histogram

	// Recoveries counts completed reconnects.
	Recoveries prometheus.Counter

	// RecoveryErrors counts reconnect cycles that gave up.
	RecoveryErrors prometheus.Counter

	// Suspensions counts resources suspended, per kind.
	Suspensions *prometheus.CounterVec

	// Terminations counts resources permanently failed, per kind.
	Terminations *prometheus.CounterVec

	// Suspended is the number of resources currently suspended.
	Suspended prometheus.Gauge

	// Resources is the number of registered resources, per kind.
	Resources *prometheus.GaugeVec

	// State is the numeric connection state.
	State prometheus.Gauge
}

// New registers the collectors on reg. A nil reg disables metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"endpoint", "outcome"},
		),
		ConnectLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connect_latency_seconds",
				Help:      "Connection attempt latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Recoveries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Total number of completed connection recoveries",
			},
		),
		RecoveryErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_errors_total",
				Help:      "Total number of connection recoveries that gave up",
			},
		),
		Suspensions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_suspensions_total",
				Help:      "Total number of resource suspensions",
			},
			[]string{"kind"},
		),
		Terminations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_terminations_total",
				Help:      "Total number of resources that failed permanently",
			},
			[]string{"kind"},
		),
		Suspended: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_suspended",
				Help:      "Number of resources currently suspended",
			},
		),
		Resources: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Number of registered resources",
			},
			[]string{"kind"},
		),
		State: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current connection state",
			},
		),
	}
}

func (m *Metrics) ConnectAttempt(endpoint string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.ConnectAttempts.WithLabelValues(endpoint, outcome).Inc()
	m.ConnectLatency.Observe(took.Seconds())
}

func (m *Metrics) Recovered() {
	if m == nil {
		return
	}
	m.Recoveries.Inc()
}

func (m *Metrics) RecoveryFailed() {
	if m == nil {
		return
	}
	m.RecoveryErrors.Inc()
}

func (m *Metrics) ResourceSuspended(kind string) {
	if m == nil {
		return
	}
	m.Suspensions.WithLabelValues(kind).Inc()
	m.Suspended.Inc()
}

func (m *Metrics) ResourceResumed() {
	if m == nil {
		return
	}
	m.Suspended.Dec()
}

// ResourceTerminated records the end of a resource. Only failures count as
// terminations; closes by the user or by the connection do not.
func (m *Metrics) ResourceTerminated(kind string, wasSuspended, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.Terminations.WithLabelValues(kind).Inc()
	}
	if wasSuspended {
		m.Suspended.Dec()
	}
}

func (m *Metrics) ResourceRegistered(kind string) {
	if m == nil {
		return
	}
	m.Resources.WithLabelValues(kind).Inc()
}

func (m *Metrics) ResourceDeregistered(kind string) {
	if m == nil {
		return
	}
	m.Resources.WithLabelValues(kind).Dec()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}
