// Package sqlite provides SQLite implementation of the ingest repository for
// single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/bissquit/ingest-scheduler/internal/ingest"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

const itemColumns = `id, work_id, group_id, priority, status, scheduled_at, attempts,
	last_attempt_at, created_at, processed_at, COALESCE(error_message, '')`

// Config contains SQLite configuration.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Open opens the database, applies pragmas and the schema.
// SQLite prefers a single writer, so the pool is capped at one connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}

// Repository implements ingest.Repository using SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a pending item unless the work is already active.
func (r *Repository) Enqueue(ctx context.Context, item *domain.QueueItem) (bool, error) {
	query := `
		INSERT INTO processing_queue (id, work_id, group_id, priority, status, scheduled_at, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (work_id) WHERE status IN ('pending', 'processing') DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		item.ID,
		item.WorkID,
		item.GroupID,
		item.Priority,
		string(item.Status),
		item.ScheduledAt.UnixMilli(),
		item.Attempts,
		item.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return n == 1, nil
}

// ClaimNext atomically moves the best eligible pending item to processing.
func (r *Repository) ClaimNext(ctx context.Context, now time.Time, maxAttempts int) (*domain.QueueItem, error) {
	query := `
		UPDATE processing_queue
		SET status = 'processing', last_attempt_at = ?
		WHERE id = (
			SELECT id FROM processing_queue
			WHERE status = 'pending' AND scheduled_at <= ? AND attempts < ?
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING ` + itemColumns

	ms := now.UnixMilli()
	item, err := scanItem(r.db.QueryRowContext(ctx, query, ms, ms, maxAttempts))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return item, nil
}

// ReportOutcome moves a processing item out of processing and applies the
// tracker changes in the same transaction.
func (r *Repository) ReportOutcome(ctx context.Context, id string, report domain.OutcomeReport) error {
	var scheduledAt, processedAt sql.NullInt64
	switch report.Status {
	case domain.QueueStatusPending:
		scheduledAt = nullMillis(&report.ScheduledAt)
	case domain.QueueStatusCompleted, domain.QueueStatusFailed:
		processedAt = nullMillis(&report.At)
	default:
		return ingest.ErrInvalidStatus
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	increment := 0
	if report.IncrementAttempts {
		increment = 1
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = ?,
			attempts = attempts + ?,
			error_message = ?,
			scheduled_at = COALESCE(?, scheduled_at),
			processed_at = ?
		WHERE id = ? AND status = 'processing'
	`,
		string(report.Status),
		increment,
		sql.NullString{String: report.ErrorMessage, Valid: report.ErrorMessage != ""},
		scheduledAt,
		processedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM processing_queue WHERE id = ?)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check item: %w", err)
		}
		if !exists {
			return ingest.ErrItemNotFound
		}
		return ingest.ErrNotProcessing
	}

	if report.CountProcessed || report.BackoffUntil != nil {
		var count int
		var lastProcessed sql.NullInt64
		if report.CountProcessed {
			count = 1
			lastProcessed = nullMillis(&report.At)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO rate_limit_tracking (date_key, processed_count, last_processed_at, backoff_until)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (date_key) DO UPDATE SET
				processed_count = processed_count + excluded.processed_count,
				last_processed_at = COALESCE(excluded.last_processed_at, last_processed_at),
				backoff_until = NULLIF(MAX(COALESCE(backoff_until, 0), COALESCE(excluded.backoff_until, 0)), 0)
		`, report.DateKey, count, lastProcessed, nullMillis(report.BackoffUntil))
		if err != nil {
			return fmt.Errorf("update tracker: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTracker returns the tracker for dateKey. The processed count is the
// day's own; last processed and backoff are the latest across all days.
func (r *Repository) GetTracker(ctx context.Context, dateKey string) (*domain.RateLimitTracker, error) {
	var lastProcessed, backoffUntil sql.NullInt64
	tracker := domain.RateLimitTracker{DateKey: dateKey}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT processed_count FROM rate_limit_tracking WHERE date_key = ?), 0),
			(SELECT MAX(last_processed_at) FROM rate_limit_tracking),
			(SELECT MAX(backoff_until) FROM rate_limit_tracking)
	`, dateKey).Scan(&tracker.ProcessedCount, &lastProcessed, &backoffUntil)
	if err != nil {
		return nil, fmt.Errorf("get tracker: %w", err)
	}

	tracker.LastProcessedAt = timePtr(lastProcessed)
	tracker.BackoffUntil = timePtr(backoffUntil)
	return &tracker, nil
}

// PruneOlderThan deletes terminal items processed before cutoff.
func (r *Repository) PruneOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int64, error) {
	if err := ingest.ValidatePruneStatuses(statuses); err != nil {
		return 0, err
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, cutoff.UnixMilli())

	query := fmt.Sprintf(
		`DELETE FROM processing_queue WHERE status IN (%s) AND processed_at < ?`,
		strings.Join(placeholders, ", "),
	)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return result.RowsAffected()
}

// GetQueueStats returns counts by status and the next scheduled pending time.
func (r *Repository) GetQueueStats(ctx context.Context) (*domain.QueueStats, error) {
	var stats domain.QueueStats
	var next sql.NullInt64

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN status = 'pending' THEN scheduled_at END)
		FROM processing_queue
	`).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &next)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}

	stats.NextScheduledAt = timePtr(next)
	return &stats, nil
}

// ListStuckProcessing returns processing items claimed before startedBefore.
func (r *Repository) ListStuckProcessing(ctx context.Context, startedBefore time.Time) ([]*domain.QueueItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM processing_queue
		WHERE status = 'processing' AND last_attempt_at < ?
		ORDER BY last_attempt_at ASC
	`
	return r.queryItems(ctx, "list stuck", query, startedBefore.UnixMilli())
}

// RequeueOrphaned moves processing items back to pending, or to failed once
// the interrupted run used up the last attempt.
func (r *Repository) RequeueOrphaned(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	ts := now.UnixMilli()
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN attempts + 1 >= ? THEN ? ELSE processed_at END,
			error_message = CASE WHEN attempts + 1 >= ?
				THEN 'max attempts exceeded: recovered after restart'
				ELSE 'recovered after restart' END,
			attempts = attempts + 1,
			scheduled_at = ?
		WHERE status = 'processing'
	`, maxAttempts, maxAttempts, ts, maxAttempts, ts)
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned: %w", err)
	}
	return result.RowsAffected()
}

// GetItem retrieves a queue item by ID.
func (r *Repository) GetItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM processing_queue WHERE id = ?`
	item, err := scanItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.GroupID != "" {
		conditions = append(conditions, "group_id = ?")
		args = append(args, filter.GroupID)
	}

	query := `SELECT ` + itemColumns + ` FROM processing_queue`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, filter.Limit)

	return r.queryItems(ctx, "list items", query, args...)
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) queryItems(ctx context.Context, op, query string, args ...interface{}) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var status string
	var scheduledAt, createdAt int64
	var lastAttempt, processed sql.NullInt64

	err := row.Scan(
		&item.ID,
		&item.WorkID,
		&item.GroupID,
		&item.Priority,
		&status,
		&scheduledAt,
		&item.Attempts,
		&lastAttempt,
		&createdAt,
		&processed,
		&item.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	item.Status = domain.QueueStatus(status)
	item.ScheduledAt = time.UnixMilli(scheduledAt)
	item.CreatedAt = time.UnixMilli(createdAt)
	item.LastAttemptAt = timePtr(lastAttempt)
	item.ProcessedAt = timePtr(processed)
	return &item, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
