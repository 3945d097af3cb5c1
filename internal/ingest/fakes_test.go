package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
)

// memRepository is an in-memory Repository with the same semantics as the
// SQL stores.
type memRepository struct {
	mu       sync.Mutex
	items    map[string]*domain.QueueItem
	trackers map[string]*domain.RateLimitTracker
	pingErr  error
}

func newMemRepository() *memRepository {
	return &memRepository{
		items:    make(map[string]*domain.QueueItem),
		trackers: make(map[string]*domain.RateLimitTracker),
	}
}

func (r *memRepository) Enqueue(_ context.Context, item *domain.QueueItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.WorkID == item.WorkID && !existing.Status.IsTerminal() {
			return false, nil
		}
	}
	cp := *item
	r.items[item.ID] = &cp
	return true, nil
}

func (r *memRepository) ClaimNext(_ context.Context, now time.Time, maxAttempts int) (*domain.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *domain.QueueItem
	for _, it := range r.items {
		if it.Status != domain.QueueStatusPending || it.ScheduledAt.After(now) || it.Attempts >= maxAttempts {
			continue
		}
		if best == nil ||
			it.Priority > best.Priority ||
			(it.Priority == best.Priority && it.ScheduledAt.Before(best.ScheduledAt)) {
			best = it
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = domain.QueueStatusProcessing
	at := now
	best.LastAttemptAt = &at
	cp := *best
	return &cp, nil
}

func (r *memRepository) ReportOutcome(_ context.Context, id string, report domain.OutcomeReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status != domain.QueueStatusProcessing {
		return ErrNotProcessing
	}

	switch report.Status {
	case domain.QueueStatusPending:
		it.ScheduledAt = report.ScheduledAt
		it.ProcessedAt = nil
	case domain.QueueStatusCompleted, domain.QueueStatusFailed:
		at := report.At
		it.ProcessedAt = &at
	default:
		return ErrInvalidStatus
	}
	it.Status = report.Status
	it.ErrorMessage = report.ErrorMessage
	if report.IncrementAttempts {
		it.Attempts++
	}

	if report.CountProcessed || report.BackoffUntil != nil {
		t, ok := r.trackers[report.DateKey]
		if !ok {
			t = &domain.RateLimitTracker{DateKey: report.DateKey}
			r.trackers[report.DateKey] = t
		}
		if report.CountProcessed {
			t.ProcessedCount++
			at := report.At
			t.LastProcessedAt = &at
		}
		if report.BackoffUntil != nil && (t.BackoffUntil == nil || report.BackoffUntil.After(*t.BackoffUntil)) {
			until := *report.BackoffUntil
			t.BackoffUntil = &until
		}
	}
	return nil
}

func (r *memRepository) GetTracker(_ context.Context, dateKey string) (*domain.RateLimitTracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := &domain.RateLimitTracker{DateKey: dateKey}
	for key, t := range r.trackers {
		if key == dateKey {
			out.ProcessedCount = t.ProcessedCount
		}
		if t.LastProcessedAt != nil && (out.LastProcessedAt == nil || t.LastProcessedAt.After(*out.LastProcessedAt)) {
			v := *t.LastProcessedAt
			out.LastProcessedAt = &v
		}
		if t.BackoffUntil != nil && (out.BackoffUntil == nil || t.BackoffUntil.After(*out.BackoffUntil)) {
			v := *t.BackoffUntil
			out.BackoffUntil = &v
		}
	}
	return out, nil
}

func (r *memRepository) PruneOlderThan(_ context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int64, error) {
	if err := ValidatePruneStatuses(statuses); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, it := range r.items {
		for _, s := range statuses {
			if it.Status == s && it.ProcessedAt != nil && it.ProcessedAt.Before(cutoff) {
				delete(r.items, id)
				n++
				break
			}
		}
	}
	return n, nil
}

func (r *memRepository) GetQueueStats(_ context.Context) (*domain.QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.QueueStats
	for _, it := range r.items {
		switch it.Status {
		case domain.QueueStatusPending:
			stats.Pending++
			if stats.NextScheduledAt == nil || it.ScheduledAt.Before(*stats.NextScheduledAt) {
				at := it.ScheduledAt
				stats.NextScheduledAt = &at
			}
		case domain.QueueStatusProcessing:
			stats.Processing++
		case domain.QueueStatusCompleted:
			stats.Completed++
		case domain.QueueStatusFailed:
			stats.Failed++
		}
	}
	return &stats, nil
}

func (r *memRepository) ListStuckProcessing(_ context.Context, startedBefore time.Time) ([]*domain.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.QueueItem
	for _, it := range r.items {
		if it.Status == domain.QueueStatusProcessing && it.LastAttemptAt != nil && it.LastAttemptAt.Before(startedBefore) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepository) RequeueOrphaned(_ context.Context, now time.Time, maxAttempts int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, it := range r.items {
		if it.Status != domain.QueueStatusProcessing {
			continue
		}
		it.Attempts++
		it.ScheduledAt = now
		if it.Attempts >= maxAttempts {
			it.Status = domain.QueueStatusFailed
			processed := now
			it.ProcessedAt = &processed
			it.ErrorMessage = "max attempts exceeded: recovered after restart"
		} else {
			it.Status = domain.QueueStatusPending
			it.ErrorMessage = "recovered after restart"
		}
		n++
	}
	return n, nil
}

func (r *memRepository) GetItem(_ context.Context, id string) (*domain.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (r *memRepository) ListItems(_ context.Context, filter domain.ItemFilter) ([]*domain.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.QueueItem, 0)
	for _, it := range r.items {
		if filter.Status != "" && it.Status != filter.Status {
			continue
		}
		if filter.GroupID != "" && it.GroupID != filter.GroupID {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRepository) Ping(context.Context) error {
	return r.pingErr
}

// byWorkID returns the single item with workID.
func (r *memRepository) byWorkID(workID string) *domain.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.WorkID == workID {
			cp := *it
			return &cp
		}
	}
	return nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeWorker answers from a per-work-id error table and records calls.
type fakeWorker struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
	block chan struct{}
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{errs: make(map[string]error)}
}

func (w *fakeWorker) fail(workID string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs[workID] = err
}

func (w *fakeWorker) Execute(ctx context.Context, workID string) (*Result, error) {
	w.mu.Lock()
	w.calls = append(w.calls, workID)
	err := w.errs[workID]
	block := w.block
	w.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Result{WorkID: workID, Payload: []byte(`{"text":"ok"}`)}, nil
}

func (w *fakeWorker) executed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

type fakeForwarder struct {
	mu       sync.Mutex
	err      error
	payloads []ForwardPayload

	// onForward runs before the payload is recorded.
	onForward func(ForwardPayload)
}

func (f *fakeForwarder) Forward(_ context.Context, payload ForwardPayload) error {
	if f.onForward != nil {
		f.onForward(payload)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fakeDiscovery struct {
	candidates []Candidate
	err        error
	since      []time.Time
}

func (d *fakeDiscovery) ListNewWork(_ context.Context, since time.Time) ([]Candidate, error) {
	d.since = append(d.since, since)
	if d.err != nil {
		return nil, d.err
	}
	return d.candidates, nil
}

type fakeReporter struct {
	mu     sync.Mutex
	values map[string]float64
	counts map[string]int
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{values: make(map[string]float64), counts: make(map[string]int)}
}

func (r *fakeReporter) Report(metric string, value float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[metric] = value
	r.counts[metric]++
}

func (r *fakeReporter) value(metric string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[metric]
	return v, ok
}

func (r *fakeReporter) count(metric string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[metric]
}

var errBoom = errors.New("boom")

// t0 is 09:00 UTC on a fixed day.
var t0 = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func testAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		DailyQuota:      5,
		MinSpacing:      time.Hour,
		MaxSpacing:      2 * time.Hour,
		DayBoundaryHour: 8,
		Location:        time.UTC,
	}
}

// newTestQueue builds a queue over an in-memory store with a fake clock.
func newTestQueue(cfg AdmissionConfig, maxAttempts int) (*Queue, *memRepository, *fakeClock) {
	repo := newMemRepository()
	clock := newFakeClock(t0)
	q := NewQueue(QueueConfig{MaxAttempts: maxAttempts}, repo, NewAdmission(cfg))
	q.now = clock.Now
	return q, repo, clock
}

func ptr[T any](v T) *T {
	return &v
}
