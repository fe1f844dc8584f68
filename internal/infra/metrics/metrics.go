package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"MKK-Gate/pkg/throttle"
)

type Metrics struct {
	Registry            *prometheus.Registry
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
	HTTPErrors          *prometheus.CounterVec
	ThrottleDecisions   *prometheus.CounterVec
	ThrottleEvalSeconds prometheus.Histogram
	CounterIncrements   prometheus.Counter
	RedisDegraded       *prometheus.CounterVec
	AuthEvents          *prometheus.CounterVec
	IdempotencyHits     prometheus.Counter
	IdempotencyConflict prometheus.Counter
	IdempotencyBypass   *prometheus.CounterVec
	LockReleaseErrors   prometheus.Counter
	BreakerOpen         prometheus.Counter
	BreakerState        prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_in_flight_requests",
				Help: "Number of in-flight HTTP requests.",
			},
		),
		HTTPErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "Total number of HTTP 5xx errors.",
			},
			[]string{"method", "path", "code"},
		),
		ThrottleDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_decisions_total",
				Help: "Total number of throttle decisions.",
			},
			[]string{"mode", "outcome"},
		),
		ThrottleEvalSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "throttle_evaluate_duration_seconds",
				Help:    "Throttle evaluation round-trip duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CounterIncrements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "counter_increments_total",
				Help: "Total number of windowed counter increments.",
			},
		),
		RedisDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redis_degraded_total",
				Help: "Total number of Redis degradation events.",
			},
			[]string{"component"},
		),
		AuthEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_events_total",
				Help: "Total number of auth events.",
			},
			[]string{"event"},
		),
		IdempotencyHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idempotency_hits_total",
				Help: "Total number of idempotent replays served from the store.",
			},
		),
		IdempotencyConflict: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idempotency_conflicts_total",
				Help: "Total number of idempotency key conflicts.",
			},
		),
		IdempotencyBypass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idempotency_bypass_total",
				Help: "Total number of requests that bypassed the idempotency store.",
			},
			[]string{"reason"},
		),
		LockReleaseErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lock_release_errors_total",
				Help: "Total number of failed idempotency lock releases.",
			},
		),
		BreakerOpen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "throttle_breaker_open_total",
				Help: "Total number of throttle store circuit breaker open events.",
			},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "throttle_breaker_state",
				Help: "Throttle store circuit breaker state: 0=closed,1=half_open,2=open.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.HTTPInFlight,
		m.HTTPErrors,
		m.ThrottleDecisions,
		m.ThrottleEvalSeconds,
		m.CounterIncrements,
		m.RedisDegraded,
		m.AuthEvents,
		m.IdempotencyHits,
		m.IdempotencyConflict,
		m.IdempotencyBypass,
		m.LockReleaseErrors,
		m.BreakerOpen,
		m.BreakerState,
	)

	return m
}

func (m *Metrics) IncAuthEvent(event string) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncDegraded(component string) {
	if m == nil {
		return
	}
	m.RedisDegraded.WithLabelValues(component).Inc()
}

// RecordDecision satisfies throttle.Recorder. Throttle names are unbounded
// caller input and stay out of the label set; per-name rates live in the
// windowed usage counters instead.
func (m *Metrics) RecordDecision(name string, mode throttle.Mode, allowed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.ThrottleDecisions.WithLabelValues(string(mode), outcome).Inc()
	m.ThrottleEvalSeconds.Observe(elapsed.Seconds())
}

// RecordIncrement satisfies runningcounter.Recorder.
func (m *Metrics) RecordIncrement(name string, amount float64) {
	if m == nil {
		return
	}
	m.CounterIncrements.Inc()
}

// RecordStoreError satisfies both pkg recorders.
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.RedisDegraded.WithLabelValues(op).Inc()
}
