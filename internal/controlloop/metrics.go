package controlloop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingest"

var (
	triggerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "runs_total",
			Help:      "Trigger firings by result (success, error, panic, skipped)",
		},
		[]string{"trigger", "result"},
	)

	triggerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "duration_seconds",
			Help:      "Trigger body duration",
			Buckets:   []float64{.01, .1, .5, 1, 5, 30, 60, 300, 900, 1800},
		},
		[]string{"trigger"},
	)

	triggersInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "in_flight",
			Help:      "1 while a trigger body is running",
		},
		[]string{"trigger"},
	)
)

func recordRun(trigger, result string, duration time.Duration) {
	triggerRuns.WithLabelValues(trigger, result).Inc()
	if result != "skipped" {
		triggerDuration.WithLabelValues(trigger).Observe(duration.Seconds())
	}
}
