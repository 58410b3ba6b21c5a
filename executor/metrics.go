package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the executor's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	active    prometheus.Gauge
	scheduled prometheus.Counter
	forced    prometheus.Counter
	failures  prometheus.Counter
}

// NewMetrics creates the executor collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeep",
			Subsystem: "executor",
			Name:      "active_units",
			Help:      "Units currently tracked as active.",
		}),
		scheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeep",
			Subsystem: "executor",
			Name:      "scheduled_total",
			Help:      "Units scheduled.",
		}),
		forced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeep",
			Subsystem: "executor",
			Name:      "forced_terminations_total",
			Help:      "Units forcibly terminated after the grace period.",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeep",
			Subsystem: "executor",
			Name:      "failures_total",
			Help:      "Units whose operation returned an error or panicked.",
		}),
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.active.Set(float64(n))
	}
}

func (m *Metrics) incScheduled() {
	if m != nil {
		m.scheduled.Inc()
	}
}

func (m *Metrics) incForced() {
	if m != nil {
		m.forced.Inc()
	}
}

func (m *Metrics) incFailures() {
	if m != nil {
		m.failures.Inc()
	}
}
