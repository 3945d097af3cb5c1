// Package ingest implements the rate-limited ingestion scheduler: admission
// control, the durable work queue, the executor and the control loop triggers.
package ingest

import (
	"context"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
)

// Repository is the persistent store behind the queue.
//
// ClaimNext is the only concurrency-critical operation: it must move exactly one
// eligible row from pending to processing in a single atomic step, so two
// concurrent callers never receive the same item.
type Repository interface {
	// Enqueue inserts a pending item. It returns false without error when a
	// pending or processing item with the same work id already exists.
	Enqueue(ctx context.Context, item *domain.QueueItem) (bool, error)

	// ClaimNext claims the best eligible item (priority DESC, scheduled_at ASC)
	// and stamps last_attempt_at with now. Returns nil when nothing qualifies.
	ClaimNext(ctx context.Context, now time.Time, maxAttempts int) (*domain.QueueItem, error)

	// ReportOutcome moves a processing item out of processing and applies the
	// tracker changes of the report atomically.
	ReportOutcome(ctx context.Context, id string, report domain.OutcomeReport) error

	GetTracker(ctx context.Context, dateKey string) (*domain.RateLimitTracker, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int64, error)

	GetQueueStats(ctx context.Context) (*domain.QueueStats, error)
	ListStuckProcessing(ctx context.Context, startedBefore time.Time) ([]*domain.QueueItem, error)
	// RequeueOrphaned moves every processing item back to pending, counting
	// the interrupted run as an attempt. Items that reach maxAttempts become
	// failed instead.
	RequeueOrphaned(ctx context.Context, now time.Time, maxAttempts int) (int64, error)

	GetItem(ctx context.Context, id string) (*domain.QueueItem, error)
	ListItems(ctx context.Context, filter domain.ItemFilter) ([]*domain.QueueItem, error)

	Ping(ctx context.Context) error
}

// TerminalStatuses are the statuses eligible for retention pruning.
var TerminalStatuses = []domain.QueueStatus{domain.QueueStatusCompleted, domain.QueueStatusFailed}

// ValidatePruneStatuses rejects statuses that are not terminal.
func ValidatePruneStatuses(statuses []domain.QueueStatus) error {
	if len(statuses) == 0 {
		return ErrInvalidStatus
	}
	for _, s := range statuses {
		if !s.IsTerminal() {
			return ErrInvalidStatus
		}
	}
	return nil
}
