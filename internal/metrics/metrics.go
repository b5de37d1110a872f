package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stageguard"

// Run outcomes recorded on stageguard_runs_total.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeFailed      = "failed"
	OutcomeRejected    = "circuit_open"
	OutcomeRateLimited = "rate_limited"
	OutcomeDeadline    = "deadline"
	OutcomeCanceled    = "canceled"
)

// Metrics holds the collectors for one engine. A nil *Metrics records nothing.
type Metrics struct {
	Runs         *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	BreakerState *prometheus.GaugeVec
	RateLimited  *prometheus.CounterVec
	Items        *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Task attempts run through the coordinator, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled, by error category.",
		}, []string{"category"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a single task invocation.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker position per dependency: 0 closed, 1 half-open, 2 open.",
		}, []string{"dependency"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Dispatches delayed by a rate limiter.",
		}, []string{"dependency"}),
		Items: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items",
			Help:      "Items per stage at the last refresh.",
		}, []string{"stage"}),
	}
}

// NewRegistry returns a fresh registry with the collectors and the Go/process
// collectors registered.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

// ObserveRun counts one attempt and, when d is positive, its duration.
func (m *Metrics) ObserveRun(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(stage, outcome).Inc()
	if d > 0 {
		m.RunDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// Retry counts a scheduled retry.
func (m *Metrics) Retry(category string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(category).Inc()
}

// Limited counts a dispatch the limiter delayed.
func (m *Metrics) Limited(dependency string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(dependency).Inc()
}

// SetBreaker records a breaker position by name: CLOSED, HALF_OPEN, or OPEN.
func (m *Metrics) SetBreaker(dependency, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case "HALF_OPEN":
		value = 1
	case "OPEN":
		value = 2
	}
	m.BreakerState.WithLabelValues(dependency).Set(value)
}

// SetItems replaces the per-stage item gauge.
func (m *Metrics) SetItems(counts map[string]int) {
	if m == nil {
		return
	}
	m.Items.Reset()
	for stage, n := range counts {
		m.Items.WithLabelValues(stage).Set(float64(n))
	}
}
