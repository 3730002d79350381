package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the run counters and step timings of the pipeline.
type Metrics struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	steps    *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
}

// NewMetrics registers the pipeline collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relpack",
			Name:      "runs_total",
			Help:      "Pipeline runs by final state.",
		}, []string{"state"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relpack",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"step", "outcome"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relpack",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run by final state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.runs, m.steps, m.lastRun)
	return m
}

// Registry exposes the collectors, for tests and for pushing.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeStep(step string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.steps.WithLabelValues(step, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) observeRun(run *Run) {
	if m == nil || run == nil {
		return
	}
	m.runs.WithLabelValues(string(run.State)).Inc()
	if run.FinishedAt != nil {
		m.lastRun.WithLabelValues(string(run.State)).Set(float64(run.FinishedAt.Unix()))
	}
}

// Push sends the collected metrics to a Pushgateway under the given job name.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}
