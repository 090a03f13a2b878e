package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records step outcomes and durations.
type Metrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	held     *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg. A nil reg creates an
// unregistered set, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtiqc",
			Name:      "step_outcomes_total",
			Help:      "Processing log entries appended, by step and outcome.",
		}, []string{"step", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dtiqc",
			Name:      "step_duration_seconds",
			Help:      "Wall time of step invocations.",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"step"}),
		held: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtiqc",
			Name:      "review_lock_conflicts_total",
			Help:      "Invocations that found the case already under review.",
		}, []string{"step"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.duration, m.held)
	}
	return m
}

func (m *Metrics) observe(step, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(step, outcome).Inc()
	m.duration.WithLabelValues(step).Observe(elapsed.Seconds())
}

func (m *Metrics) conflict(step string) {
	if m == nil {
		return
	}
	m.held.WithLabelValues(step).Inc()
}

// Outcomes exposes the outcome counter for tests and status output.
func (m *Metrics) Outcomes() *prometheus.CounterVec {
	return m.outcomes
}
