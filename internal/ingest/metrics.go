package ingest

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingest"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	itemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Enqueue calls by result (created or duplicate)",
		},
		[]string{"result"},
	)

	itemsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Claim attempts by result (claimed, empty or gated)",
		},
		[]string{"result"},
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "outcomes_total",
			Help:      "Reported outcomes by resulting transition",
		},
		[]string{"outcome"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Time spent in the work collaborator",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	forwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "forwards_total",
			Help:      "Downstream forwards by status",
		},
		[]string{"status"},
	)

	processedToday = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "processed_today",
			Help:      "Items completed in the current quota day",
		},
	)

	backoffActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "backoff_active",
			Help:      "1 while the global throttling backoff window is open",
		},
	)
)

func recordEnqueue(created bool) {
	if created {
		itemsEnqueued.WithLabelValues("created").Inc()
		return
	}
	itemsEnqueued.WithLabelValues("duplicate").Inc()
}

func recordClaim(result string) {
	itemsClaimed.WithLabelValues(result).Inc()
}

func recordOutcome(outcome string) {
	outcomesTotal.WithLabelValues(outcome).Inc()
}

func recordExecution(kind OutcomeKind, duration time.Duration) {
	executionDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func recordForward(status string) {
	forwardsTotal.WithLabelValues(status).Inc()
}

// RecordQueueStats updates queue gauges.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues(string(domain.QueueStatusPending)).Set(float64(stats.Queue.Pending))
	queueSize.WithLabelValues(string(domain.QueueStatusProcessing)).Set(float64(stats.Queue.Processing))
	queueSize.WithLabelValues(string(domain.QueueStatusCompleted)).Set(float64(stats.Queue.Completed))
	queueSize.WithLabelValues(string(domain.QueueStatusFailed)).Set(float64(stats.Queue.Failed))
	processedToday.Set(float64(stats.Tracker.ProcessedCount))
	if stats.BackoffActive {
		backoffActive.Set(1)
	} else {
		backoffActive.Set(0)
	}
}

// PromReporter is a Reporter that exposes reported values as Prometheus gauges.
// Each metric name gets one gauge vector labelled by the sorted tag keys of its
// first report.
type PromReporter struct {
	registerer prometheus.Registerer

	mu     sync.Mutex
	gauges map[string]*promGauge
}

type promGauge struct {
	vec    *prometheus.GaugeVec
	labels []string
}

// NewPromReporter creates a reporter registering on reg (the default registerer when nil).
func NewPromReporter(reg prometheus.Registerer) *PromReporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromReporter{
		registerer: reg,
		gauges:     make(map[string]*promGauge),
	}
}

// Report sets the gauge for metric to value.
func (r *PromReporter) Report(metric string, value float64, tags map[string]string) {
	g, err := r.gauge(metric, tags)
	if err != nil {
		slog.Debug("report dropped", "metric", metric, "error", err)
		return
	}

	values := make([]string, len(g.labels))
	for i, l := range g.labels {
		values[i] = tags[l]
	}
	g.vec.WithLabelValues(values...).Set(value)
}

func (r *PromReporter) gauge(metric string, tags map[string]string) (*promGauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gauges[metric]; ok {
		return g, nil
	}

	labels := make([]string, 0, len(tags))
	for k := range tags {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "report",
		Name:      sanitizeMetricName(metric),
		Help:      "Value reported by the scheduler: " + metric,
	}, labels)

	if err := r.registerer.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return nil, err
		}
		vec = existing
	}

	g := &promGauge{vec: vec, labels: labels}
	r.gauges[metric] = g
	return g, nil
}

func sanitizeMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
