// Package metrics exposes engine counters. All methods are nil-safe so
// callers can run without a registry wired.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	stageAttempts *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stageAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caravel",
			Name:      "stage_attempts_total",
			Help:      "Stage attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "caravel",
			Name:      "run_duration_seconds",
			Help:      "Wall time of terminal runs by status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "caravel",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
	}
}

func (m *Metrics) ObserveAttempt(kind, outcome string) {
	if m == nil {
		return
	}
	m.stageAttempts.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveRun(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunSettled() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}
