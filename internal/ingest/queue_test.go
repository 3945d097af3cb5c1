package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newTestQueue(testAdmissionConfig(), 3)

	id, created, err := q.Enqueue(ctx, "  video-1 ", " channel-a ", 1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id)

	item := repo.byWorkID("video-1")
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, "channel-a", item.GroupID)
	assert.Equal(t, domain.QueueStatusPending, item.Status)
	assert.True(t, item.ScheduledAt.Equal(t0), "first item of the day runs immediately")
	assert.Equal(t, 0, item.Attempts)
}

func TestQueue_Enqueue_Invalid(t *testing.T) {
	q, _, _ := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(context.Background(), "   ", "", 0)
	assert.ErrorIs(t, err, ErrInvalidWork)
}

func TestQueue_Enqueue_Idempotent(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newTestQueue(testAdmissionConfig(), 3)

	_, created, err := q.Enqueue(ctx, "video-1", "", 0)
	require.NoError(t, err)
	require.True(t, created)

	id, created, err := q.Enqueue(ctx, "video-1", "", 0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, id)

	// Still a duplicate while processing.
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, created, err = q.Enqueue(ctx, "video-1", "", 0)
	require.NoError(t, err)
	assert.False(t, created)

	stats, err := repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending+stats.Processing)

	// Once terminal the work may be queued again.
	require.NoError(t, q.Complete(ctx, claimed.ID))
	_, created, err = q.Enqueue(ctx, "video-1", "", 0)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestQueue_ClaimNext_Order(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(ctx, "low", "", 0)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, _, err = q.Enqueue(ctx, "high", "", 5)
	require.NoError(t, err)

	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "high", item.WorkID)
	assert.Equal(t, domain.QueueStatusProcessing, item.Status)
	require.NotNil(t, item.LastAttemptAt)
	assert.True(t, item.LastAttemptAt.Equal(clock.Now()))
}

func TestQueue_ClaimNext_Empty(t *testing.T) {
	q, _, _ := newTestQueue(testAdmissionConfig(), 3)

	item, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestQueue_ClaimNext_GatedBySpacing(t *testing.T) {
	ctx := context.Background()
	q, repo, clock := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	a, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, a.ID))

	// Force an item that is already due; the gate must still hold it back.
	_, _, err = q.Enqueue(ctx, "b", "", 0)
	require.NoError(t, err)
	repo.mu.Lock()
	for _, it := range repo.items {
		if it.WorkID == "b" {
			it.ScheduledAt = t0
		}
	}
	repo.mu.Unlock()

	clock.Advance(30 * time.Minute)
	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)

	clock.Advance(30 * time.Minute)
	item, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "b", item.WorkID)
}

func TestQueue_ClaimNext_NoDoubleClaim(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(ctx, "only", "", 0)
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan *domain.QueueItem, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := q.ClaimNext(ctx)
			assert.NoError(t, err)
			results <- item
		}()
	}
	wg.Wait()
	close(results)

	claimed := 0
	for item := range results {
		if item != nil {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestQueue_Complete(t *testing.T) {
	ctx := context.Background()
	q, repo, clock := newTestQueue(testAdmissionConfig(), 3)

	id, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	require.NoError(t, q.Complete(ctx, item.ID))

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusCompleted, stored.Status)
	require.NotNil(t, stored.ProcessedAt)

	tracker, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.ProcessedCount)
	require.NotNil(t, tracker.LastProcessedAt)
	assert.True(t, tracker.LastProcessedAt.Equal(t0.Add(5*time.Minute)))

	// Completing twice is rejected.
	assert.ErrorIs(t, q.Complete(ctx, item.ID), ErrNotProcessing)
	assert.ErrorIs(t, q.Complete(ctx, "missing"), ErrItemNotFound)
}

func TestQueue_Fail(t *testing.T) {
	ctx := context.Background()

	t.Run("retryable goes back to pending with spacing", func(t *testing.T) {
		q, repo, _ := newTestQueue(testAdmissionConfig(), 3)
		_, _, err := q.Enqueue(ctx, "a", "", 0)
		require.NoError(t, err)
		item, err := q.ClaimNext(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, item, "connection reset", true))

		stored := repo.byWorkID("a")
		assert.Equal(t, domain.QueueStatusPending, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
		assert.Equal(t, "connection reset", stored.ErrorMessage)
		assert.True(t, stored.ScheduledAt.Equal(t0.Add(time.Hour)), "got %v", stored.ScheduledAt)
	})

	t.Run("permanent fails immediately", func(t *testing.T) {
		q, repo, _ := newTestQueue(testAdmissionConfig(), 3)
		_, _, err := q.Enqueue(ctx, "a", "", 0)
		require.NoError(t, err)
		item, err := q.ClaimNext(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, item, "not found", false))

		stored := repo.byWorkID("a")
		assert.Equal(t, domain.QueueStatusFailed, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
		assert.Equal(t, "not found", stored.ErrorMessage)
	})

	t.Run("does not count against quota", func(t *testing.T) {
		q, repo, _ := newTestQueue(testAdmissionConfig(), 3)
		_, _, err := q.Enqueue(ctx, "a", "", 0)
		require.NoError(t, err)
		item, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, item, "boom", true))

		tracker, err := repo.GetTracker(ctx, "2024-03-10")
		require.NoError(t, err)
		assert.Equal(t, 0, tracker.ProcessedCount)
		assert.Nil(t, tracker.LastProcessedAt)
	})
}

func TestQueue_DeadItemTermination(t *testing.T) {
	ctx := context.Background()
	q, repo, clock := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(ctx, "broken", "", 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		clock.Advance(3 * time.Hour)
		item, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d", attempt)
		require.NoError(t, q.Fail(ctx, item, "transient error", true))
	}

	stored := repo.byWorkID("broken")
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.ErrorMessage, "max attempts exceeded")

	clock.Advance(24 * time.Hour)
	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item, "failed items are never claimed again")
}

func TestQueue_Throttle(t *testing.T) {
	ctx := context.Background()
	cfg := testAdmissionConfig()
	q, repo, clock := newTestQueue(cfg, 3)

	_, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, "b", "", 0)
	require.NoError(t, err)

	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Throttle(ctx, item, "HTTP 429: too many requests", 2*time.Hour))

	backoffUntil := t0.Add(2 * time.Hour)
	stored := repo.byWorkID(item.WorkID)
	assert.Equal(t, domain.QueueStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.False(t, stored.ScheduledAt.Before(backoffUntil.Add(cfg.MinSpacing)))

	tracker, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	require.NotNil(t, tracker.BackoffUntil)
	assert.True(t, tracker.BackoffUntil.Equal(backoffUntil))

	// Throttle dominance: every decision inside the window lands after it.
	for _, offset := range []time.Duration{0, time.Minute, time.Hour, 119 * time.Minute} {
		now := t0.Add(offset)
		slot := q.Admission().NextSlot(now, *tracker)
		assert.False(t, slot.Before(backoffUntil.Add(cfg.MinSpacing)), "offset %v gave %v", offset, slot)
	}

	// No claims while the window is open, even for due items.
	clock.Advance(time.Hour)
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// The other item is due after the window.
	clock.Set(backoffUntil.Add(time.Minute))
	claimed, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.NotEqual(t, item.WorkID, claimed.WorkID)
}

func TestQueue_Throttle_NeverShortensWindow(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newTestQueue(testAdmissionConfig(), 5)

	_, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Throttle(ctx, item, "blocked", 5*time.Hour))

	// Claim directly from the store to bypass the gate and throttle again.
	item, err = repo.ClaimNext(ctx, t0.Add(24*time.Hour), 5)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, q.Throttle(ctx, item, "blocked", time.Minute))

	tracker, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	assert.True(t, tracker.BackoffUntil.Equal(t0.Add(5*time.Hour)))
}

func TestQueue_Throttle_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newTestQueue(testAdmissionConfig(), 1)

	_, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Throttle(ctx, item, "rate limit", 0))

	stored := repo.byWorkID("a")
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "max attempts exceeded")

	// The window still opens with the default cooldown.
	tracker, err := repo.GetTracker(ctx, "2024-03-10")
	require.NoError(t, err)
	require.NotNil(t, tracker.BackoffUntil)
	assert.True(t, tracker.BackoffUntil.Equal(t0.Add(DefaultThrottleCooldown)))
}

func TestQueue_Report(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newTestQueue(testAdmissionConfig(), 3)

	for _, id := range []string{"ok", "fail", "throttle"} {
		_, _, err := q.Enqueue(ctx, id, "", 0)
		require.NoError(t, err)
	}

	claim := func(workID string) *domain.QueueItem {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		for _, it := range repo.items {
			if it.WorkID == workID {
				it.Status = domain.QueueStatusProcessing
				cp := *it
				return &cp
			}
		}
		t.Fatalf("no item %s", workID)
		return nil
	}

	require.NoError(t, q.Report(ctx, claim("ok"), Outcome{Kind: OutcomeSuccess}))
	require.NoError(t, q.Report(ctx, claim("fail"), Outcome{Kind: OutcomeFailed, Reason: "bad", Retryable: false}))
	require.NoError(t, q.Report(ctx, claim("throttle"), Outcome{Kind: OutcomeThrottled, Reason: "429", Cooldown: time.Hour}))

	assert.Equal(t, domain.QueueStatusCompleted, repo.byWorkID("ok").Status)
	assert.Equal(t, domain.QueueStatusFailed, repo.byWorkID("fail").Status)
	assert.Equal(t, domain.QueueStatusPending, repo.byWorkID("throttle").Status)
}

func TestQueue_Stats(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, "b", "", 0)
	require.NoError(t, err)
	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, item.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queue.Pending)
	assert.Equal(t, int64(1), stats.Queue.Completed)
	assert.Equal(t, 1, stats.Tracker.ProcessedCount)
	assert.Equal(t, 5, stats.DailyQuota)
	assert.False(t, stats.BackoffActive)
	assert.True(t, stats.NextSlot.Equal(clock.Now().Add(time.Hour)))
}

func TestQueue_PruneAndStuck(t *testing.T) {
	ctx := context.Background()
	q, repo, clock := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(ctx, "done", "", 0)
	require.NoError(t, err)
	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, item.ID))

	clock.Advance(2 * time.Hour)
	_, _, err = q.Enqueue(ctx, "stuck", "", 0)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	stuck, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, stuck)

	clock.Advance(time.Hour)
	items, err := q.StuckItems(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "stuck", items[0].WorkID)

	items, err = q.StuckItems(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, items)

	n, err := q.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clock.Advance(7 * 24 * time.Hour)
	n, err = q.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Nil(t, repo.byWorkID("done"))
	assert.NotNil(t, repo.byWorkID("stuck"), "processing items are never pruned")
}

func TestQueue_RecoverOrphaned(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newTestQueue(testAdmissionConfig(), 3)

	_, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	n, err := q.RecoverOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored := repo.byWorkID("a")
	assert.Equal(t, domain.QueueStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestQueue_RecoverOrphanedOnLastAttempt(t *testing.T) {
	ctx := context.Background()
	q, repo, _ := newTestQueue(testAdmissionConfig(), 1)

	_, _, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	n, err := q.RecoverOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored := repo.byWorkID("a")
	assert.Equal(t, domain.QueueStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotNil(t, stored.ProcessedAt)

	item, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)

	_, created, err := q.Enqueue(ctx, "a", "", 0)
	require.NoError(t, err)
	assert.True(t, created, "a failed item can be queued again")
}

func TestQueue_List(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(testAdmissionConfig(), 3)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := q.Enqueue(ctx, id, "grp", 0)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	items, err := q.List(ctx, domain.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].WorkID, "newest first")

	items, err = q.List(ctx, domain.ItemFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = q.List(ctx, domain.ItemFilter{Status: domain.QueueStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = q.List(ctx, domain.ItemFilter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestQueue_Get_NotFound(t *testing.T) {
	q, _, _ := newTestQueue(testAdmissionConfig(), 3)

	_, err := q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestQueue_Ping(t *testing.T) {
	q, repo, _ := newTestQueue(testAdmissionConfig(), 3)
	assert.NoError(t, q.Ping(context.Background()))

	repo.pingErr = errBoom
	err := q.Ping(context.Background())
	var se *StorageError
	assert.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, errBoom)
}

func TestQueue_WorkedExample(t *testing.T) {
	ctx := context.Background()
	cfg := testAdmissionConfig()
	cfg.DailyQuota = 2
	q, repo, clock := newTestQueue(cfg, 3)

	_, _, err := q.Enqueue(ctx, "A", "", 0)
	require.NoError(t, err)
	assert.True(t, repo.byWorkID("A").ScheduledAt.Equal(t0))

	a, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	clock.Advance(5 * time.Minute)
	require.NoError(t, q.Complete(ctx, a.ID))

	_, _, err = q.Enqueue(ctx, "B", "", 0)
	require.NoError(t, err)
	assert.True(t, repo.byWorkID("B").ScheduledAt.Equal(t0.Add(65*time.Minute)))

	clock.Set(t0.Add(30 * time.Minute))
	b, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, b)

	clock.Set(t0.Add(65 * time.Minute))
	b, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "B", b.WorkID)
	clock.Advance(5 * time.Minute)
	require.NoError(t, q.Complete(ctx, b.ID))

	_, _, err = q.Enqueue(ctx, "C", "", 0)
	require.NoError(t, err)
	assert.True(t, repo.byWorkID("C").ScheduledAt.Equal(time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)))
}
