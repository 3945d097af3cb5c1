package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/controlloop"
	"github.com/bissquit/ingest-scheduler/internal/pkg/ctxlog"
)

// Trigger names.
const (
	TriggerDiscover = "discover"
	TriggerDrain    = "drain"
	TriggerPrune    = "prune"
	TriggerHealth   = "health"
)

// SchedulerConfig contains the control loop trigger configuration.
type SchedulerConfig struct {
	DiscoverSchedule string
	DrainSchedule    string
	PruneSchedule    string
	HealthSchedule   string

	// TriggerTimeout bounds discover, prune and health runs.
	TriggerTimeout time.Duration

	DrainBatch        int
	Retention         time.Duration
	StuckThreshold    time.Duration
	DiscoverLookback  time.Duration
	DiscoveryPriority int
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DiscoverSchedule:  "0 8 * * *",
		DrainSchedule:     "2h",
		PruneSchedule:     "0 0 * * *",
		HealthSchedule:    "30m",
		TriggerTimeout:    5 * time.Minute,
		DrainBatch:        1,
		Retention:         7 * 24 * time.Hour,
		DiscoverLookback:  24 * time.Hour,
		DiscoveryPriority: 1,
	}
}

// Scheduler owns the trigger bodies of the control loop.
type Scheduler struct {
	config    SchedulerConfig
	queue     *Queue
	executor  *Executor
	discovery Discovery
	reporter  Reporter

	mu            sync.Mutex
	lastDiscovery time.Time
}

// NewScheduler creates a new scheduler. StuckThreshold defaults to twice the
// executor timeout.
func NewScheduler(config SchedulerConfig, queue *Queue, executor *Executor, discovery Discovery, reporter Reporter) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.DrainBatch <= 0 {
		config.DrainBatch = def.DrainBatch
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.DiscoverLookback <= 0 {
		config.DiscoverLookback = def.DiscoverLookback
	}
	if config.TriggerTimeout <= 0 {
		config.TriggerTimeout = def.TriggerTimeout
	}
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = 2 * executor.ExecTimeout()
	}
	if discovery == nil {
		discovery = NopDiscovery{}
	}
	if reporter == nil {
		reporter = NopReporter{}
	}

	return &Scheduler{
		config:        config,
		queue:         queue,
		executor:      executor,
		discovery:     discovery,
		reporter:      reporter,
		lastDiscovery: queue.now().Add(-config.DiscoverLookback),
	}
}

// Register adds the four triggers to loop.
func (s *Scheduler) Register(loop *controlloop.Loop) error {
	// A drain run may execute DrainBatch items back to back.
	drainTimeout := time.Duration(s.config.DrainBatch)*s.executor.ExecTimeout() + s.config.TriggerTimeout

	triggers := []struct {
		name     string
		schedule string
		timeout  time.Duration
		fn       controlloop.Func
	}{
		{TriggerDiscover, s.config.DiscoverSchedule, s.config.TriggerTimeout, s.Discover},
		{TriggerDrain, s.config.DrainSchedule, drainTimeout, s.Drain},
		{TriggerPrune, s.config.PruneSchedule, s.config.TriggerTimeout, s.Prune},
		{TriggerHealth, s.config.HealthSchedule, s.config.TriggerTimeout, s.Health},
	}

	for _, t := range triggers {
		if err := loop.Register(t.name, t.schedule, t.timeout, t.fn); err != nil {
			return err
		}
	}
	return nil
}

// Discover asks the discovery collaborator for new work and enqueues it.
// The window starts at the previous successful discovery.
func (s *Scheduler) Discover(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	s.mu.Lock()
	since := s.lastDiscovery
	s.mu.Unlock()

	started := s.queue.now()
	candidates, err := s.discovery.ListNewWork(ctx, since)
	if err != nil {
		s.reporter.Report("discovery_errors", 1, nil)
		return fmt.Errorf("list new work: %w", err)
	}

	var created, duplicates int
	for _, c := range candidates {
		_, ok, err := s.queue.Enqueue(ctx, c.WorkID, c.GroupID, s.config.DiscoveryPriority)
		if err != nil {
			if errors.Is(err, ErrInvalidWork) {
				log.Warn("skipping invalid candidate", "group_id", c.GroupID)
				continue
			}
			return fmt.Errorf("enqueue %s: %w", c.WorkID, err)
		}
		if ok {
			created++
		} else {
			duplicates++
		}
	}

	s.mu.Lock()
	s.lastDiscovery = started
	s.mu.Unlock()

	s.reporter.Report("discovered_items", float64(created), nil)
	log.Info("discovery finished",
		"since", since,
		"candidates", len(candidates),
		"enqueued", created,
		"duplicates", duplicates,
	)
	return nil
}

// Drain claims and executes up to DrainBatch items. It stops early when the
// queue is empty, the admission gate is closed, or the provider throttles.
func (s *Scheduler) Drain(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	processed := 0
	for processed < s.config.DrainBatch {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := s.queue.ClaimNext(ctx)
		if err != nil {
			return fmt.Errorf("claim next: %w", err)
		}
		if item == nil {
			break
		}
		processed++

		itemCtx := ctxlog.With(ctx, "item_id", item.ID, "work_id", item.WorkID)
		ctxlog.FromContext(itemCtx).Info("processing item", "attempt", item.Attempts+1)
		outcome := s.executor.Run(itemCtx, item)

		// Report even when the trigger context is already done so the item
		// does not stay processing until the next restart.
		reportCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			reportCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
		}
		if err := s.queue.Report(reportCtx, item, outcome); err != nil {
			return fmt.Errorf("report outcome for %s: %w", item.ID, err)
		}

		// Forward only after completion is stored, so a slow or interrupted
		// forward never sends finished work back through recovery.
		if outcome.Kind == OutcomeSuccess {
			_ = s.executor.Forward(itemCtx, item, outcome.Result)
		}

		if outcome.Kind == OutcomeThrottled {
			log.Warn("provider throttling, stopping drain", "cooldown", outcome.Cooldown)
			break
		}
	}

	if processed == 0 {
		log.Debug("nothing to drain")
	}
	return nil
}

// Prune removes finished items older than the retention period.
func (s *Scheduler) Prune(ctx context.Context) error {
	n, err := s.queue.Prune(ctx, s.config.Retention)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	ctxlog.FromContext(ctx).Info("pruned finished items", "deleted", n, "retention", s.config.Retention)
	return nil
}

// Health reports queue gauges and warns about items stuck in processing.
func (s *Scheduler) Health(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	RecordQueueStats(stats)

	backoff := 0.0
	if stats.BackoffActive {
		backoff = 1
	}
	s.reporter.Report("queue_pending", float64(stats.Queue.Pending), nil)
	s.reporter.Report("queue_processing", float64(stats.Queue.Processing), nil)
	s.reporter.Report("processed_today", float64(stats.Tracker.ProcessedCount), nil)
	s.reporter.Report("backoff_active", backoff, nil)

	stuck, err := s.queue.StuckItems(ctx, s.config.StuckThreshold)
	if err != nil {
		return fmt.Errorf("stuck items: %w", err)
	}
	for _, item := range stuck {
		log.Warn("item stuck in processing",
			"item_id", item.ID,
			"work_id", item.WorkID,
			"last_attempt_at", item.LastAttemptAt,
		)
	}
	s.reporter.Report("queue_stuck", float64(len(stuck)), nil)

	log.Info("health check",
		"pending", stats.Queue.Pending,
		"processing", stats.Queue.Processing,
		"processed_today", stats.Tracker.ProcessedCount,
		"daily_quota", stats.DailyQuota,
		"backoff_active", stats.BackoffActive,
		"stuck", len(stuck),
	)
	return nil
}

// Recover requeues items orphaned by a previous process.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.queue.RecoverOrphaned(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned: %w", err)
	}
	if n > 0 {
		ctxlog.FromContext(ctx).Warn("recovered orphaned items", "count", n)
	}
	return nil
}
