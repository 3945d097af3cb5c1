package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/google/uuid"
)

// DefaultThrottleCooldown is the backoff opened when a throttling signal carries no hint.
const DefaultThrottleCooldown = 120 * time.Minute

// Listing limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// QueueConfig contains work queue configuration.
type QueueConfig struct {
	MaxAttempts int
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts: 3,
	}
}

// Stats is a read-only snapshot of the queue and the admission state.
type Stats struct {
	Queue         domain.QueueStats       `json:"queue"`
	Tracker       domain.RateLimitTracker `json:"tracker"`
	DailyQuota    int                     `json:"daily_quota"`
	BackoffActive bool                    `json:"backoff_active"`
	NextSlot      time.Time               `json:"next_slot"`
}

// Queue is the durable work queue. It owns every status transition of a
// queue item and keeps the admission tracker in step with them.
type Queue struct {
	config    QueueConfig
	repo      Repository
	admission *Admission
	now       func() time.Time

	claimMu sync.Mutex
}

// NewQueue creates a new work queue.
func NewQueue(config QueueConfig, repo Repository, admission *Admission) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	return &Queue{
		config:    config,
		repo:      repo,
		admission: admission,
		now:       time.Now,
	}
}

// MaxAttempts returns the attempt limit after which items fail for good.
func (q *Queue) MaxAttempts() int {
	return q.config.MaxAttempts
}

// Admission returns the admission policy used by the queue.
func (q *Queue) Admission() *Admission {
	return q.admission
}

// Enqueue adds work to the queue, scheduled at the next admissible slot.
// It returns created=false when the same work is already pending or processing.
func (q *Queue) Enqueue(ctx context.Context, workID, groupID string, priority int) (string, bool, error) {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return "", false, ErrInvalidWork
	}

	now := q.now()
	tracker, err := q.tracker(ctx, now)
	if err != nil {
		return "", false, err
	}

	item := &domain.QueueItem{
		ID:          uuid.NewString(),
		WorkID:      workID,
		GroupID:     strings.TrimSpace(groupID),
		Priority:    priority,
		Status:      domain.QueueStatusPending,
		ScheduledAt: q.admission.NextSlot(now, *tracker),
		CreatedAt:   now,
	}

	created, err := q.repo.Enqueue(ctx, item)
	if err != nil {
		return "", false, storageErr("enqueue", err)
	}
	recordEnqueue(created)

	if !created {
		slog.Debug("work already queued", "work_id", workID)
		return "", false, nil
	}

	slog.Info("work enqueued",
		"item_id", item.ID,
		"work_id", item.WorkID,
		"priority", item.Priority,
		"scheduled_at", item.ScheduledAt,
	)
	return item.ID, true, nil
}

// ClaimNext claims the next eligible item, or returns nil when nothing may run now.
// Claims are refused while the admission gate is closed, even for items whose
// scheduled time has long passed.
func (q *Queue) ClaimNext(ctx context.Context) (*domain.QueueItem, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	now := q.now()
	tracker, err := q.tracker(ctx, now)
	if err != nil {
		return nil, err
	}

	if ok, d := q.admission.Admit(now, *tracker); !ok {
		recordClaim("gated")
		slog.Debug("claim gated", "rule", d.Rule, "not_before", d.At)
		return nil, nil
	}

	item, err := q.repo.ClaimNext(ctx, now, q.config.MaxAttempts)
	if err != nil {
		return nil, storageErr("claim next", err)
	}
	if item == nil {
		recordClaim("empty")
		return nil, nil
	}

	recordClaim("claimed")
	return item, nil
}

// Complete marks a processing item completed and counts it against today's quota.
func (q *Queue) Complete(ctx context.Context, id string) error {
	now := q.now()
	err := q.repo.ReportOutcome(ctx, id, domain.OutcomeReport{
		Status:         domain.QueueStatusCompleted,
		At:             now,
		DateKey:        q.admission.DateKey(now),
		CountProcessed: true,
	})
	if err != nil {
		return storageErr("complete", err)
	}

	recordOutcome("completed")
	slog.Info("item completed", "item_id", id)
	return nil
}

// Fail records an ordinary failure. Retryable failures go back to pending with
// backoff until the attempt limit is reached; everything else ends failed.
func (q *Queue) Fail(ctx context.Context, item *domain.QueueItem, reason string, retryable bool) error {
	now := q.now()
	attempts := item.Attempts + 1

	report := domain.OutcomeReport{
		Status:            domain.QueueStatusFailed,
		At:                now,
		ErrorMessage:      reason,
		IncrementAttempts: true,
		DateKey:           q.admission.DateKey(now),
	}

	switch {
	case !retryable:
	case attempts >= q.config.MaxAttempts:
		report.ErrorMessage = fmt.Sprintf("max attempts exceeded: %s", reason)
	default:
		tracker, err := q.tracker(ctx, now)
		if err != nil {
			return err
		}
		report.Status = domain.QueueStatusPending
		report.ScheduledAt = q.admission.RetrySlot(now, *tracker, attempts)
	}

	if err := q.repo.ReportOutcome(ctx, item.ID, report); err != nil {
		return storageErr("fail", err)
	}

	if report.Status == domain.QueueStatusPending {
		recordOutcome("retry")
		slog.Info("item scheduled for retry",
			"item_id", item.ID,
			"attempt", attempts,
			"next_attempt", report.ScheduledAt,
		)
		return nil
	}

	recordOutcome("failed")
	slog.Warn("item failed",
		"item_id", item.ID,
		"attempt", attempts,
		"error", report.ErrorMessage,
	)
	return nil
}

// Throttle opens the global backoff window and reschedules the item after it.
// An already open window is never shortened. The item still counts an attempt
// and fails for good once the attempt limit is reached.
func (q *Queue) Throttle(ctx context.Context, item *domain.QueueItem, reason string, cooldown time.Duration) error {
	if cooldown <= 0 {
		cooldown = DefaultThrottleCooldown
	}

	now := q.now()
	tracker, err := q.tracker(ctx, now)
	if err != nil {
		return err
	}

	until := now.Add(cooldown)
	if tracker.BackoffUntil != nil && tracker.BackoffUntil.After(until) {
		until = *tracker.BackoffUntil
	}

	attempts := item.Attempts + 1
	report := domain.OutcomeReport{
		Status:            domain.QueueStatusPending,
		At:                now,
		ErrorMessage:      reason,
		IncrementAttempts: true,
		DateKey:           q.admission.DateKey(now),
		BackoffUntil:      &until,
	}

	if attempts >= q.config.MaxAttempts {
		report.Status = domain.QueueStatusFailed
		report.ErrorMessage = fmt.Sprintf("max attempts exceeded: %s", reason)
	} else {
		next := *tracker
		next.BackoffUntil = &until
		report.ScheduledAt = q.admission.NextSlot(now, next)
	}

	if err := q.repo.ReportOutcome(ctx, item.ID, report); err != nil {
		return storageErr("throttle", err)
	}

	recordOutcome("throttled")
	slog.Warn("provider throttling detected, backing off",
		"item_id", item.ID,
		"backoff_until", until,
		"status", report.Status,
		"next_attempt", report.ScheduledAt,
	)
	return nil
}

// Report applies an executor outcome to the item.
func (q *Queue) Report(ctx context.Context, item *domain.QueueItem, outcome Outcome) error {
	switch outcome.Kind {
	case OutcomeSuccess:
		return q.Complete(ctx, item.ID)
	case OutcomeThrottled:
		return q.Throttle(ctx, item, outcome.Reason, outcome.Cooldown)
	default:
		return q.Fail(ctx, item, outcome.Reason, outcome.Retryable)
	}
}

// Stats returns a snapshot of the queue and today's admission state.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	now := q.now()

	qs, err := q.repo.GetQueueStats(ctx)
	if err != nil {
		return nil, storageErr("queue stats", err)
	}

	tracker, err := q.tracker(ctx, now)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Queue:         *qs,
		Tracker:       *tracker,
		DailyQuota:    q.admission.Config().DailyQuota,
		BackoffActive: tracker.BackoffActive(now),
		NextSlot:      q.admission.NextSlot(now, *tracker),
	}, nil
}

// Prune deletes completed and failed items processed more than retention ago.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.now().Add(-retention)
	n, err := q.repo.PruneOlderThan(ctx, cutoff, TerminalStatuses)
	if err != nil {
		return 0, storageErr("prune", err)
	}
	return n, nil
}

// StuckItems lists items that have been processing for longer than threshold.
func (q *Queue) StuckItems(ctx context.Context, threshold time.Duration) ([]*domain.QueueItem, error) {
	items, err := q.repo.ListStuckProcessing(ctx, q.now().Add(-threshold))
	if err != nil {
		return nil, storageErr("list stuck", err)
	}
	return items, nil
}

// RecoverOrphaned returns items left processing by a previous process to
// pending. Items whose interrupted run was their last attempt fail instead.
func (q *Queue) RecoverOrphaned(ctx context.Context) (int64, error) {
	n, err := q.repo.RequeueOrphaned(ctx, q.now(), q.config.MaxAttempts)
	if err != nil {
		return 0, storageErr("recover orphaned", err)
	}
	return n, nil
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	item, err := q.repo.GetItem(ctx, id)
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return item, nil
}

// List returns items matching filter, newest first.
func (q *Queue) List(ctx context.Context, filter domain.ItemFilter) ([]*domain.QueueItem, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, ErrInvalidStatus
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}

	items, err := q.repo.ListItems(ctx, filter)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	return items, nil
}

// Ping checks the store.
func (q *Queue) Ping(ctx context.Context) error {
	return storageErr("ping", q.repo.Ping(ctx))
}

func (q *Queue) tracker(ctx context.Context, now time.Time) (*domain.RateLimitTracker, error) {
	t, err := q.repo.GetTracker(ctx, q.admission.DateKey(now))
	if err != nil {
		return nil, storageErr("get tracker", err)
	}
	return t, nil
}
