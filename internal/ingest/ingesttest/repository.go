// Package ingesttest provides a behavioural test suite shared by every
// ingest.Repository implementation.
package ingesttest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/bissquit/ingest-scheduler/internal/ingest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the reference time used by the suite. Stores keep at least
// millisecond precision, so the suite only uses whole seconds.
var Base = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// Factory returns an empty repository. It is called once per subtest.
type Factory func(t *testing.T) ingest.Repository

// RunRepositoryTests runs the suite against the repositories built by newRepo.
func RunRepositoryTests(t *testing.T, newRepo Factory) {
	t.Run("Enqueue", func(t *testing.T) { testEnqueue(t, newRepo(t)) })
	t.Run("ClaimNextOrder", func(t *testing.T) { testClaimNextOrder(t, newRepo(t)) })
	t.Run("ClaimNextEligibility", func(t *testing.T) { testClaimNextEligibility(t, newRepo(t)) })
	t.Run("ClaimNextConcurrent", func(t *testing.T) { testClaimNextConcurrent(t, newRepo(t)) })
	t.Run("ReportOutcome", func(t *testing.T) { testReportOutcome(t, newRepo(t)) })
	t.Run("ReportOutcomeErrors", func(t *testing.T) { testReportOutcomeErrors(t, newRepo(t)) })
	t.Run("TrackerAcrossDays", func(t *testing.T) { testTrackerAcrossDays(t, newRepo(t)) })
	t.Run("BackoffNeverShortened", func(t *testing.T) { testBackoffNeverShortened(t, newRepo(t)) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, newRepo(t)) })
	t.Run("StatsAndStuck", func(t *testing.T) { testStatsAndStuck(t, newRepo(t)) })
	t.Run("RequeueOrphaned", func(t *testing.T) { testRequeueOrphaned(t, newRepo(t)) })
	t.Run("RequeueOrphanedAtLimit", func(t *testing.T) { testRequeueOrphanedAtLimit(t, newRepo(t)) })
	t.Run("ListItems", func(t *testing.T) { testListItems(t, newRepo(t)) })
}

// NewItem builds a pending item scheduled at Base.
func NewItem(workID string, priority int) *domain.QueueItem {
	return &domain.QueueItem{
		ID:          uuid.NewString(),
		WorkID:      workID,
		Priority:    priority,
		Status:      domain.QueueStatusPending,
		ScheduledAt: Base,
		CreatedAt:   Base,
	}
}

func enqueue(t *testing.T, repo ingest.Repository, item *domain.QueueItem) *domain.QueueItem {
	t.Helper()
	created, err := repo.Enqueue(context.Background(), item)
	require.NoError(t, err)
	require.True(t, created, "enqueue %s", item.WorkID)
	return item
}

func claim(t *testing.T, repo ingest.Repository, now time.Time) *domain.QueueItem {
	t.Helper()
	item, err := repo.ClaimNext(context.Background(), now, 3)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func complete(t *testing.T, repo ingest.Repository, id string, at time.Time) {
	t.Helper()
	err := repo.ReportOutcome(context.Background(), id, domain.OutcomeReport{
		Status:         domain.QueueStatusCompleted,
		At:             at,
		DateKey:        at.Format(ingest.DateKeyLayout),
		CountProcessed: true,
	})
	require.NoError(t, err)
}

func testEnqueue(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	first := enqueue(t, repo, NewItem("video-1", 0))

	created, err := repo.Enqueue(ctx, NewItem("video-1", 5))
	require.NoError(t, err)
	assert.False(t, created, "pending duplicate")

	got, err := repo.GetItem(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "video-1", got.WorkID)
	assert.Equal(t, domain.QueueStatusPending, got.Status)
	assert.True(t, got.ScheduledAt.Equal(Base))
	assert.Nil(t, got.LastAttemptAt)
	assert.Nil(t, got.ProcessedAt)

	claimed := claim(t, repo, Base)
	created, err = repo.Enqueue(ctx, NewItem("video-1", 0))
	require.NoError(t, err)
	assert.False(t, created, "processing duplicate")

	complete(t, repo, claimed.ID, Base)
	created, err = repo.Enqueue(ctx, NewItem("video-1", 0))
	require.NoError(t, err)
	assert.True(t, created, "terminal items do not block new work")

	_, err = repo.GetItem(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ingest.ErrItemNotFound)
}

func testClaimNextOrder(t *testing.T, repo ingest.Repository) {
	low := NewItem("low", 0)
	enqueue(t, repo, low)

	later := NewItem("high-later", 5)
	later.ScheduledAt = Base.Add(time.Minute)
	enqueue(t, repo, later)

	earlier := NewItem("high-earlier", 5)
	earlier.ScheduledAt = Base.Add(-time.Minute)
	enqueue(t, repo, earlier)

	now := Base.Add(time.Hour)
	var order []string
	for i := 0; i < 3; i++ {
		item := claim(t, repo, now)
		assert.Equal(t, domain.QueueStatusProcessing, item.Status)
		require.NotNil(t, item.LastAttemptAt)
		assert.True(t, item.LastAttemptAt.Equal(now))
		order = append(order, item.WorkID)
	}
	assert.Equal(t, []string{"high-earlier", "high-later", "low"}, order)

	item, err := repo.ClaimNext(context.Background(), now, 3)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func testClaimNextEligibility(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	future := NewItem("future", 0)
	future.ScheduledAt = Base.Add(time.Hour)
	enqueue(t, repo, future)

	exhausted := NewItem("exhausted", 0)
	exhausted.Attempts = 3
	enqueue(t, repo, exhausted)

	item, err := repo.ClaimNext(ctx, Base, 3)
	require.NoError(t, err)
	assert.Nil(t, item, "future and exhausted items are not eligible")

	item, err = repo.ClaimNext(ctx, Base.Add(time.Hour), 3)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "future", item.WorkID, "scheduled_at equal to now is eligible")
}

func testClaimNextConcurrent(t *testing.T, repo ingest.Repository) {
	enqueue(t, repo, NewItem("only", 0))

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := repo.ClaimNext(context.Background(), Base, 3)
			assert.NoError(t, err)
			if item != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
}

func testReportOutcome(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()
	for _, id := range []string{"ok", "retry", "dead"} {
		enqueue(t, repo, NewItem(id, 0))
	}

	ok := claim(t, repo, Base)
	complete(t, repo, ok.ID, Base.Add(5*time.Minute))

	got, err := repo.GetItem(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(Base.Add(5*time.Minute)))
	assert.Equal(t, 0, got.Attempts)

	retry := claim(t, repo, Base)
	next := Base.Add(2 * time.Hour)
	require.NoError(t, repo.ReportOutcome(ctx, retry.ID, domain.OutcomeReport{
		Status:            domain.QueueStatusPending,
		At:                Base,
		ErrorMessage:      "connection reset",
		ScheduledAt:       next,
		IncrementAttempts: true,
		DateKey:           "2024-03-10",
	}))
	got, err = repo.GetItem(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection reset", got.ErrorMessage)
	assert.True(t, got.ScheduledAt.Equal(next))
	assert.Nil(t, got.ProcessedAt)

	dead := claim(t, repo, Base)
	require.NoError(t, repo.ReportOutcome(ctx, dead.ID, domain.OutcomeReport{
		Status:            domain.QueueStatusFailed,
		At:                Base,
		ErrorMessage:      "not found",
		IncrementAttempts: true,
		DateKey:           "2024-03-10",
	}))
	got, err = repo.GetItem(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, got.Status)
	require.NotNil(t, got.ProcessedAt)

	tracker, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.ProcessedCount, "only completions count")
	require.NotNil(t, tracker.LastProcessedAt)
	assert.True(t, tracker.LastProcessedAt.Equal(Base.Add(5*time.Minute)))
	assert.Nil(t, tracker.BackoffUntil)
}

func testReportOutcomeErrors(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()
	item := enqueue(t, repo, NewItem("pending", 0))

	report := domain.OutcomeReport{Status: domain.QueueStatusCompleted, At: Base, DateKey: "2024-03-10", CountProcessed: true}

	assert.ErrorIs(t, repo.ReportOutcome(ctx, item.ID, report), ingest.ErrNotProcessing)
	assert.ErrorIs(t, repo.ReportOutcome(ctx, uuid.NewString(), report), ingest.ErrItemNotFound)

	report.Status = domain.QueueStatusProcessing
	assert.ErrorIs(t, repo.ReportOutcome(ctx, item.ID, report), ingest.ErrInvalidStatus)

	// A rejected report leaves the tracker untouched.
	tracker, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 0, tracker.ProcessedCount)
}

func testTrackerAcrossDays(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	empty, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-10", empty.DateKey)
	assert.Equal(t, 0, empty.ProcessedCount)
	assert.Nil(t, empty.LastProcessedAt)
	assert.Nil(t, empty.BackoffUntil)

	lateEvening := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		enqueue(t, repo, NewItem(fmt.Sprintf("v%d", i), 0))
		item := claim(t, repo, lateEvening)
		complete(t, repo, item.ID, lateEvening.Add(time.Duration(i)*time.Minute))
	}

	today, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 2, today.ProcessedCount)

	tomorrow, err := repo.GetTracker(ctx, "2024-03-11")
	require.NoError(t, err)
	assert.Equal(t, 0, tomorrow.ProcessedCount, "the count resets per day")
	require.NotNil(t, tomorrow.LastProcessedAt, "spacing carries over midnight")
	assert.True(t, tomorrow.LastProcessedAt.Equal(lateEvening.Add(time.Minute)))
}

func testBackoffNeverShortened(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	throttle := func(workID string, until time.Time) {
		enqueue(t, repo, NewItem(workID, 0))
		item := claim(t, repo, Base)
		require.NoError(t, repo.ReportOutcome(ctx, item.ID, domain.OutcomeReport{
			Status:            domain.QueueStatusPending,
			At:                Base,
			ScheduledAt:       until.Add(time.Hour),
			IncrementAttempts: true,
			DateKey:           "2024-03-10",
			BackoffUntil:      &until,
		}))
	}

	long := Base.Add(5 * time.Hour)
	throttle("a", long)
	throttle("b", Base.Add(time.Hour))

	tracker, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	require.NotNil(t, tracker.BackoffUntil)
	assert.True(t, tracker.BackoffUntil.Equal(long))
	assert.Equal(t, 0, tracker.ProcessedCount)
	assert.Nil(t, tracker.LastProcessedAt)

	tomorrow, err := repo.GetTracker(ctx, "2024-03-11")
	require.NoError(t, err)
	require.NotNil(t, tomorrow.BackoffUntil, "a window opened yesterday still applies")
	assert.True(t, tomorrow.BackoffUntil.Equal(long))
}

func testPrune(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	old := enqueue(t, repo, NewItem("old", 0))
	claim(t, repo, Base)
	complete(t, repo, old.ID, Base)

	recent := enqueue(t, repo, NewItem("recent", 0))
	claim(t, repo, Base)
	complete(t, repo, recent.ID, Base.Add(48*time.Hour))

	active := enqueue(t, repo, NewItem("active", 0))

	_, err := repo.PruneOlderThan(ctx, Base.Add(24*time.Hour), []domain.QueueStatus{domain.QueueStatusPending})
	assert.ErrorIs(t, err, ingest.ErrInvalidStatus)

	n, err := repo.PruneOlderThan(ctx, Base.Add(24*time.Hour), ingest.TerminalStatuses)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetItem(ctx, old.ID)
	assert.ErrorIs(t, err, ingest.ErrItemNotFound)
	_, err = repo.GetItem(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = repo.GetItem(ctx, active.ID)
	assert.NoError(t, err)
}

func testStatsAndStuck(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	stats, err := repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{}, *stats)

	done := enqueue(t, repo, NewItem("done", 9))
	claim(t, repo, Base)
	complete(t, repo, done.ID, Base)

	enqueue(t, repo, NewItem("stuck", 5))
	claim(t, repo, Base)

	waiting := NewItem("waiting", 0)
	waiting.ScheduledAt = Base.Add(3 * time.Hour)
	enqueue(t, repo, waiting)

	stats, err = repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
	require.NotNil(t, stats.NextScheduledAt)
	assert.True(t, stats.NextScheduledAt.Equal(waiting.ScheduledAt))

	stuck, err := repo.ListStuckProcessing(ctx, Base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck", stuck[0].WorkID)

	stuck, err = repo.ListStuckProcessing(ctx, Base)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func testRequeueOrphaned(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	item := enqueue(t, repo, NewItem("orphan", 0))
	claim(t, repo, Base)
	enqueue(t, repo, NewItem("untouched", 0))

	now := Base.Add(time.Hour)
	n, err := repo.RequeueOrphaned(ctx, now, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.ScheduledAt.Equal(now))
	assert.NotEmpty(t, got.ErrorMessage)

	n, err = repo.RequeueOrphaned(ctx, now, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testRequeueOrphanedAtLimit(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	seed := NewItem("last-try", 0)
	seed.Attempts = 2
	item := enqueue(t, repo, seed)
	claim(t, repo, Base)

	now := Base.Add(time.Hour)
	n, err := repo.RequeueOrphaned(ctx, now, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(now))
	assert.Contains(t, got.ErrorMessage, "max attempts exceeded")

	next, err := repo.ClaimNext(ctx, now, 3)
	require.NoError(t, err)
	assert.Nil(t, next)

	created, err := repo.Enqueue(ctx, NewItem("last-try", 0))
	require.NoError(t, err)
	assert.True(t, created, "a failed item no longer holds the work id")
}

func testListItems(t *testing.T, repo ingest.Repository) {
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		item := NewItem(id, 0)
		item.GroupID = "grp"
		item.CreatedAt = Base.Add(time.Duration(i) * time.Minute)
		enqueue(t, repo, item)
	}
	other := NewItem("d", 0)
	other.GroupID = "other"
	enqueue(t, repo, other)

	items, err := repo.ListItems(ctx, domain.ItemFilter{GroupID: "grp", Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].WorkID)
	assert.Equal(t, "a", items[2].WorkID)

	items, err = repo.ListItems(ctx, domain.ItemFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = repo.ListItems(ctx, domain.ItemFilter{Status: domain.QueueStatusFailed, Limit: 10})
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}
