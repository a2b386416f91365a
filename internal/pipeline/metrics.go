package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jonathan/scpipeline/internal/compute"
	"github.com/jonathan/scpipeline/internal/types"
)

// Execution outcomes recorded by Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeStale   = "stale"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Executions *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	InFlight   prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scpipeline_step_executions_total",
				Help: "Step executions by step type and outcome.",
			},
			[]string{"step", "outcome"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scpipeline_step_duration_seconds",
				Help:    "Wall time of compute backend calls per step type.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"step"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scpipeline_step_executions_in_flight",
				Help: "Step executions currently waiting on the compute backend.",
			},
		),
	}
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) finished(step types.StepType, elapsed time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Duration.WithLabelValues(string(step)).Observe(elapsed.Seconds())
	m.Executions.WithLabelValues(string(step), outcome).Inc()
}

// outcomeOf maps an executor error to a label; untyped failures count as compute failures.
func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if kind := compute.KindOf(err); kind != "" {
		return string(kind)
	}
	return string(compute.KindCompute)
}
