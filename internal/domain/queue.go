// Package domain contains the core types shared by the scheduler packages.
package domain

import "time"

// QueueStatus represents the status of a queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusCompleted, QueueStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

// QueueItem is one schedulable unit of work, e.g. a video to transcribe.
type QueueItem struct {
	ID            string      `json:"id"`
	WorkID        string      `json:"work_id"`
	GroupID       string      `json:"group_id"`
	Priority      int         `json:"priority"`
	Status        QueueStatus `json:"status"`
	ScheduledAt   time.Time   `json:"scheduled_at"`
	Attempts      int         `json:"attempts"`
	LastAttemptAt *time.Time  `json:"last_attempt_at"`
	CreatedAt     time.Time   `json:"created_at"`
	ProcessedAt   *time.Time  `json:"processed_at"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

// RateLimitTracker is the global admission state for one calendar day.
//
// ProcessedCount belongs to DateKey only. LastProcessedAt and BackoffUntil are
// the most recent values known to the store, regardless of the day they were
// written on.
type RateLimitTracker struct {
	DateKey         string     `json:"date_key"`
	ProcessedCount  int        `json:"processed_count"`
	LastProcessedAt *time.Time `json:"last_processed_at"`
	BackoffUntil    *time.Time `json:"backoff_until"`
}

// BackoffActive reports whether the backoff window is open at now.
func (t RateLimitTracker) BackoffActive(now time.Time) bool {
	return t.BackoffUntil != nil && now.Before(*t.BackoffUntil)
}

// OutcomeReport describes how a claimed item leaves the processing state.
// The store applies it, including the tracker changes, in one transaction.
type OutcomeReport struct {
	Status       QueueStatus
	At           time.Time
	ErrorMessage string

	// ScheduledAt is the next eligibility time when Status is pending.
	ScheduledAt time.Time

	IncrementAttempts bool

	// DateKey selects the tracker row touched by CountProcessed and BackoffUntil.
	DateKey        string
	CountProcessed bool
	BackoffUntil   *time.Time
}

// QueueStats is a read-only snapshot of the queue.
type QueueStats struct {
	Pending         int64      `json:"pending"`
	Processing      int64      `json:"processing"`
	Completed       int64      `json:"completed"`
	Failed          int64      `json:"failed"`
	NextScheduledAt *time.Time `json:"next_scheduled_at"`
}

// ItemFilter narrows item listings.
type ItemFilter struct {
	Status  QueueStatus
	GroupID string
	Limit   int
}
