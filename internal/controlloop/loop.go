// Package controlloop runs named periodic triggers on cron schedules with a
// per-trigger overlap guard and a bounded execution pool.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/pkg/ctxlog"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// Loop errors.
var (
	ErrTriggerBusy    = errors.New("trigger is already running")
	ErrUnknownTrigger = errors.New("unknown trigger")
	ErrDuplicate      = errors.New("trigger already registered")
	ErrStarted        = errors.New("loop already started")
	ErrStopped        = errors.New("loop is stopping")
)

// Func is a trigger body.
type Func func(ctx context.Context) error

// Config contains loop configuration.
type Config struct {
	PoolSize int
	Location *time.Location
}

// DefaultConfig returns default loop configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize: 4,
		Location: time.Local,
	}
}

// TriggerInfo describes a registered trigger.
type TriggerInfo struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Timeout      time.Duration `json:"timeout"`
	Running      bool          `json:"running"`
	Next         *time.Time    `json:"next_run"`
	Prev         *time.Time    `json:"prev_run"`
	LastRunAt    *time.Time    `json:"last_run_at"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// runState tracks whether a trigger is in flight.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *runState) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

type trigger struct {
	name     string
	schedule string
	timeout  time.Duration
	fn       Func
	entryID  cron.EntryID
	state    runState

	mu           sync.Mutex
	lastRunAt    time.Time
	lastDuration time.Duration
	lastErr      error
}

// Loop is the scheduler control loop.
type Loop struct {
	config Config
	cron   *cron.Cron
	sem    *semaphore.Weighted

	mu       sync.Mutex
	triggers map[string]*trigger
	started  bool
	stopped  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new control loop.
func New(config Config) *Loop {
	def := DefaultConfig()
	if config.PoolSize < 2 {
		config.PoolSize = def.PoolSize
	}
	if config.Location == nil {
		config.Location = def.Location
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		config:   config,
		cron:     cron.New(cron.WithParser(defaultParser), cron.WithLocation(config.Location)),
		sem:      semaphore.NewWeighted(int64(config.PoolSize)),
		triggers: make(map[string]*trigger),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register adds a trigger. It must be called before Start.
func (l *Loop) Register(name, schedule string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("trigger name required")
	}
	if fn == nil {
		return fmt.Errorf("trigger %s: body required", name)
	}

	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrStarted
	}
	if _, ok := l.triggers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	t := &trigger{
		name:     name,
		schedule: strings.TrimSpace(schedule),
		timeout:  timeout,
		fn:       fn,
	}
	t.entryID = l.cron.Schedule(sched, cron.FuncJob(func() { l.fire(t) }))
	l.triggers[name] = t

	slog.Debug("trigger registered", "trigger", name, "schedule", t.schedule, "timeout", timeout)
	return nil
}

// Start starts the cron scheduler.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.cron.Start()

	slog.Info("control loop started",
		"triggers", len(l.triggers),
		"pool_size", l.config.PoolSize,
		"tz", l.config.Location.String(),
	)
}

// Stop stops scheduling new firings and waits for in-flight bodies until ctx
// is done, after which running bodies are cancelled.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	<-l.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		slog.Info("control loop stopped")
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}

// RunNow runs a trigger synchronously through the same overlap guard and pool
// as scheduled firings, and returns the body error. It returns ErrStopped once
// Stop has been called.
func (l *Loop) RunNow(ctx context.Context, name string) error {
	t, ok := l.trigger(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	if !t.state.tryAcquire() {
		recordRun(t.name, "skipped", 0)
		return fmt.Errorf("%w: %s", ErrTriggerBusy, name)
	}
	defer t.state.release()

	if !l.enter() {
		return fmt.Errorf("%w: %s", ErrStopped, name)
	}
	defer l.wg.Done()

	// Stop cancels manual runs the same way it cancels scheduled ones.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.baseCtx, cancel)
	defer stop()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	return l.run(ctx, t)
}

// Entries lists the registered triggers sorted by name.
func (l *Loop) Entries() []TriggerInfo {
	l.mu.Lock()
	triggers := make([]*trigger, 0, len(l.triggers))
	for _, t := range l.triggers {
		triggers = append(triggers, t)
	}
	l.mu.Unlock()

	sort.Slice(triggers, func(i, j int) bool { return triggers[i].name < triggers[j].name })

	infos := make([]TriggerInfo, 0, len(triggers))
	for _, t := range triggers {
		info := TriggerInfo{
			Name:     t.name,
			Schedule: t.schedule,
			Timeout:  t.timeout,
			Running:  t.state.running(),
		}

		entry := l.cron.Entry(t.entryID)
		if !entry.Next.IsZero() {
			next := entry.Next
			info.Next = &next
		}
		if !entry.Prev.IsZero() {
			prev := entry.Prev
			info.Prev = &prev
		}

		t.mu.Lock()
		if !t.lastRunAt.IsZero() {
			at := t.lastRunAt
			info.LastRunAt = &at
			info.LastDuration = t.lastDuration
		}
		if t.lastErr != nil {
			info.LastError = t.lastErr.Error()
		}
		t.mu.Unlock()

		infos = append(infos, info)
	}
	return infos
}

// enter registers an in-flight run unless the loop is stopping. The check and
// the Add share l.mu with Stop so Wait never races a late Add.
func (l *Loop) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.wg.Add(1)
	return true
}

func (l *Loop) trigger(name string) (*trigger, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.triggers[strings.TrimSpace(name)]
	return t, ok
}

// fire is the cron callback. The body runs on the pool, not on the cron goroutine.
func (l *Loop) fire(t *trigger) {
	if !t.state.tryAcquire() {
		slog.Info("trigger skipped, previous run still in progress", "trigger", t.name)
		recordRun(t.name, "skipped", 0)
		return
	}

	if !l.enter() {
		t.state.release()
		return
	}
	go func() {
		defer l.wg.Done()
		defer t.state.release()

		if err := l.sem.Acquire(l.baseCtx, 1); err != nil {
			return
		}
		defer l.sem.Release(1)

		_ = l.run(l.baseCtx, t)
	}()
}

func (l *Loop) run(parent context.Context, t *trigger) (err error) {
	ctx := parent
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, t.timeout)
		defer cancel()
	}
	logger := slog.Default().With("trigger", t.name)
	ctx = ctxlog.WithLogger(ctx, logger)

	start := time.Now()
	triggersInFlight.WithLabelValues(t.name).Set(1)

	defer func() {
		duration := time.Since(start)
		triggersInFlight.WithLabelValues(t.name).Set(0)

		result := "success"
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger %s panicked: %v", t.name, r)
			result = "panic"
			logger.Error("trigger panicked", "panic", r, "stack", string(debug.Stack()))
		} else if err != nil {
			result = "error"
			logger.Error("trigger failed", "error", err, "duration", duration)
		} else {
			logger.Debug("trigger finished", "duration", duration)
		}
		recordRun(t.name, result, duration)

		t.mu.Lock()
		t.lastRunAt = start
		t.lastDuration = duration
		t.lastErr = err
		t.mu.Unlock()
	}()

	return t.fn(ctx)
}
