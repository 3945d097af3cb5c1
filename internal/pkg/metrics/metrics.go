// Package metrics holds the process-wide Prometheus collectors that are not
// owned by a domain package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingest"

var (
	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 30, 300},
		},
		[]string{"method", "route", "status_code"},
	)

	// StorePoolConnections tracks the queue store connection pool.
	StorePoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pool_connections",
			Help:      "Number of queue store connections by state",
		},
		[]string{"driver", "state"},
	)

	// StoreUp is 1 while the last store ping succeeded.
	StoreUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "up",
			Help:      "Whether the last queue store ping succeeded",
		},
		[]string{"driver"},
	)

	// BuildInfo is always 1; the labels carry the build.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information of the running scheduler",
		},
		[]string{"version", "commit"},
	)
)

// RecordBuildInfo publishes the build labels.
func RecordBuildInfo(version, commit string) {
	BuildInfo.WithLabelValues(version, commit).Set(1)
}
