// Package postgres provides PostgreSQL implementation of the ingest repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/bissquit/ingest-scheduler/internal/ingest"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `id, work_id, group_id, priority, status, scheduled_at, attempts,
	last_attempt_at, created_at, processed_at, COALESCE(error_message, '')`

// Repository implements ingest.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a pending item unless the work is already active.
func (r *Repository) Enqueue(ctx context.Context, item *domain.QueueItem) (bool, error) {
	query := `
		INSERT INTO processing_queue (id, work_id, group_id, priority, status, scheduled_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (work_id) WHERE status IN ('pending', 'processing') DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		item.ID,
		item.WorkID,
		item.GroupID,
		item.Priority,
		string(item.Status),
		item.ScheduledAt,
		item.Attempts,
		item.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ClaimNext atomically moves the best eligible pending item to processing.
// SKIP LOCKED keeps concurrent claimers from picking the same row.
func (r *Repository) ClaimNext(ctx context.Context, now time.Time, maxAttempts int) (*domain.QueueItem, error) {
	query := `
		UPDATE processing_queue
		SET status = 'processing', last_attempt_at = $1
		WHERE id = (
			SELECT id FROM processing_queue
			WHERE status = 'pending' AND scheduled_at <= $1 AND attempts < $2
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	item, err := scanItem(r.db.QueryRow(ctx, query, now, maxAttempts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return item, nil
}

// ReportOutcome moves a processing item out of processing and applies the
// tracker changes in the same transaction.
func (r *Repository) ReportOutcome(ctx context.Context, id string, report domain.OutcomeReport) error {
	if _, err := uuid.Parse(id); err != nil {
		return ingest.ErrItemNotFound
	}

	var scheduledAt, processedAt *time.Time
	switch report.Status {
	case domain.QueueStatusPending:
		scheduledAt = &report.ScheduledAt
	case domain.QueueStatusCompleted, domain.QueueStatusFailed:
		processedAt = &report.At
	default:
		return ingest.ErrInvalidStatus
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	updateQuery := `
		UPDATE processing_queue
		SET status = $2,
			attempts = attempts + $3,
			error_message = $4,
			scheduled_at = COALESCE($5, scheduled_at),
			processed_at = $6
		WHERE id = $1 AND status = 'processing'
	`
	increment := 0
	if report.IncrementAttempts {
		increment = 1
	}
	result, err := tx.Exec(ctx, updateQuery,
		id,
		string(report.Status),
		increment,
		nullString(report.ErrorMessage),
		scheduledAt,
		processedAt,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processing_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check item: %w", err)
		}
		if !exists {
			return ingest.ErrItemNotFound
		}
		return ingest.ErrNotProcessing
	}

	if report.CountProcessed || report.BackoffUntil != nil {
		var count int
		var lastProcessed *time.Time
		if report.CountProcessed {
			count = 1
			lastProcessed = &report.At
		}

		trackerQuery := `
			INSERT INTO rate_limit_tracking (date_key, processed_count, last_processed_at, backoff_until)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (date_key) DO UPDATE SET
				processed_count = rate_limit_tracking.processed_count + EXCLUDED.processed_count,
				last_processed_at = COALESCE(EXCLUDED.last_processed_at, rate_limit_tracking.last_processed_at),
				backoff_until = GREATEST(rate_limit_tracking.backoff_until, EXCLUDED.backoff_until)
		`
		if _, err := tx.Exec(ctx, trackerQuery, report.DateKey, count, lastProcessed, report.BackoffUntil); err != nil {
			return fmt.Errorf("update tracker: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTracker returns the tracker for dateKey. The processed count is the
// day's own; last processed and backoff are the latest across all days.
func (r *Repository) GetTracker(ctx context.Context, dateKey string) (*domain.RateLimitTracker, error) {
	query := `
		SELECT
			COALESCE((SELECT processed_count FROM rate_limit_tracking WHERE date_key = $1), 0),
			(SELECT MAX(last_processed_at) FROM rate_limit_tracking),
			(SELECT MAX(backoff_until) FROM rate_limit_tracking)
	`
	tracker := domain.RateLimitTracker{DateKey: dateKey}
	err := r.db.QueryRow(ctx, query, dateKey).Scan(
		&tracker.ProcessedCount,
		&tracker.LastProcessedAt,
		&tracker.BackoffUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("get tracker: %w", err)
	}
	return &tracker, nil
}

// PruneOlderThan deletes terminal items processed before cutoff.
func (r *Repository) PruneOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int64, error) {
	if err := ingest.ValidatePruneStatuses(statuses); err != nil {
		return 0, err
	}

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	result, err := r.db.Exec(ctx,
		`DELETE FROM processing_queue WHERE status = ANY($1) AND processed_at < $2`,
		names, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueStats returns counts by status and the next scheduled pending time.
func (r *Repository) GetQueueStats(ctx context.Context) (*domain.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MIN(scheduled_at) FILTER (WHERE status = 'pending')
		FROM processing_queue
	`
	var stats domain.QueueStats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.NextScheduledAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// ListStuckProcessing returns processing items claimed before startedBefore.
func (r *Repository) ListStuckProcessing(ctx context.Context, startedBefore time.Time) ([]*domain.QueueItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM processing_queue
		WHERE status = 'processing' AND last_attempt_at < $1
		ORDER BY last_attempt_at ASC
	`
	return r.queryItems(ctx, "list stuck", query, startedBefore)
}

// RequeueOrphaned moves processing items back to pending, or to failed once
// the interrupted run used up the last attempt.
func (r *Repository) RequeueOrphaned(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	query := `
		UPDATE processing_queue
		SET status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN attempts + 1 >= $2 THEN $1 ELSE processed_at END,
			error_message = CASE WHEN attempts + 1 >= $2
				THEN 'max attempts exceeded: recovered after restart'
				ELSE 'recovered after restart' END,
			attempts = attempts + 1,
			scheduled_at = $1
		WHERE status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, now, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetItem retrieves a queue item by ID.
func (r *Repository) GetItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ingest.ErrItemNotFound
	}

	query := `SELECT ` + itemColumns + ` FROM processing_queue WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ingest.ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems lists items matching filter, newest first.
func (r *Repository) ListItems(ctx context.Context, filter domain.ItemFilter) ([]*domain.QueueItem, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.GroupID != "" {
		args = append(args, filter.GroupID)
		conditions = append(conditions, fmt.Sprintf("group_id = $%d", len(args)))
	}

	query := `SELECT ` + itemColumns + ` FROM processing_queue`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	return r.queryItems(ctx, "list items", query, args...)
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) queryItems(ctx context.Context, op, query string, args ...interface{}) ([]*domain.QueueItem, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]*domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var status string
	err := row.Scan(
		&item.ID,
		&item.WorkID,
		&item.GroupID,
		&item.Priority,
		&status,
		&item.ScheduledAt,
		&item.Attempts,
		&item.LastAttemptAt,
		&item.CreatedAt,
		&item.ProcessedAt,
		&item.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	item.Status = domain.QueueStatus(status)
	return &item, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
