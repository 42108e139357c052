// Package metrics exposes Prometheus collectors for story generation runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished runs by terminal status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_runs_total",
			Help: "Story generation runs by terminal status",
		},
		[]string{"status"},
	)

	// StepDuration tracks how long each pipeline step takes.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echo_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"step", "status"},
	)

	// InvokeAttempts observes attempts used by the final story call.
	InvokeAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echo_final_story_attempts",
			Help:    "Attempts used per final story invocation",
			Buckets: []float64{1, 2, 3, 4, 5, 6},
		},
	)

	// DegradedTotal counts simulated stories by source.
	DegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_degraded_stories_total",
			Help: "Simulated stories by degrading layer",
		},
		[]string{"source"},
	)

	// RunsInFlight tracks runs currently executing.
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echo_runs_in_flight",
			Help: "Story generation runs currently executing",
		},
	)
)

// ObserveStep records a step duration.
func ObserveStep(step, status string, d time.Duration) {
	StepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
