package ingest

import (
	"time"

	"github.com/bissquit/ingest-scheduler/internal/domain"
)

// DateKeyLayout formats tracker day keys.
const DateKeyLayout = "2006-01-02"

// AdmissionConfig contains the pacing policy.
type AdmissionConfig struct {
	DailyQuota      int
	MinSpacing      time.Duration
	MaxSpacing      time.Duration
	DayBoundaryHour int
	Location        *time.Location
}

// DefaultAdmissionConfig returns the default pacing policy.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		DailyQuota:      5,
		MinSpacing:      1 * time.Hour,
		MaxSpacing:      2 * time.Hour,
		DayBoundaryHour: 8,
		Location:        time.Local,
	}
}

// Rule names which admission rule produced a decision.
type Rule string

// Admission rules, in evaluation order.
const (
	RuleBackoff    Rule = "backoff"
	RuleQuota      Rule = "quota"
	RuleSpacing    Rule = "spacing"
	RuleFirstOfDay Rule = "first_of_day"
	RuleSpread     Rule = "spread"
)

// Decision is the earliest legal time for an item and the rule that chose it.
type Decision struct {
	At   time.Time
	Rule Rule
}

// Admission decides when work may run. It is a pure function of
// (now, tracker, config) and holds no mutable state.
type Admission struct {
	config AdmissionConfig
}

// NewAdmission creates an admission policy, filling unset fields with defaults.
func NewAdmission(config AdmissionConfig) *Admission {
	def := DefaultAdmissionConfig()
	if config.DailyQuota <= 0 {
		config.DailyQuota = def.DailyQuota
	}
	if config.MinSpacing <= 0 {
		config.MinSpacing = def.MinSpacing
	}
	if config.MaxSpacing < config.MinSpacing {
		config.MaxSpacing = config.MinSpacing
	}
	if config.DayBoundaryHour < 0 || config.DayBoundaryHour > 23 {
		config.DayBoundaryHour = def.DayBoundaryHour
	}
	if config.Location == nil {
		config.Location = def.Location
	}
	return &Admission{config: config}
}

// Config returns the effective policy.
func (a *Admission) Config() AdmissionConfig {
	return a.config
}

// DateKey returns the tracker day key for now in the reference timezone.
func (a *Admission) DateKey(now time.Time) string {
	return now.In(a.config.Location).Format(DateKeyLayout)
}

// NextDayBoundary returns DayBoundaryHour:00 of the day after now.
func (a *Admission) NextDayBoundary(now time.Time) time.Time {
	l := now.In(a.config.Location)
	return time.Date(l.Year(), l.Month(), l.Day()+1, a.config.DayBoundaryHour, 0, 0, 0, a.config.Location)
}

func (a *Admission) nextMidnight(now time.Time) time.Time {
	l := now.In(a.config.Location)
	return time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, a.config.Location)
}

// NextSlot returns the earliest legal scheduled_at for an item enqueued at now.
func (a *Admission) NextSlot(now time.Time, tracker domain.RateLimitTracker) time.Time {
	return a.Decide(now, tracker).At
}

// Decide evaluates the admission rules in order; the first match wins.
func (a *Admission) Decide(now time.Time, tracker domain.RateLimitTracker) Decision {
	if d, blocked := a.blocking(now, tracker); blocked {
		return d
	}

	if tracker.ProcessedCount == 0 {
		return Decision{At: now, Rule: RuleFirstOfDay}
	}

	remainingQuota := a.config.DailyQuota - tracker.ProcessedCount
	remaining := a.nextMidnight(now).Sub(now)
	if remaining <= 0 || remainingQuota <= 0 {
		return Decision{At: a.NextDayBoundary(now), Rule: RuleQuota}
	}

	step := remaining / time.Duration(remainingQuota)
	if step < time.Hour {
		step = time.Hour
	}
	return Decision{At: now.Add(step), Rule: RuleSpread}
}

// blocking evaluates the rules that forbid running at now: backoff, quota, spacing.
func (a *Admission) blocking(now time.Time, tracker domain.RateLimitTracker) (Decision, bool) {
	if tracker.BackoffActive(now) {
		return Decision{At: tracker.BackoffUntil.Add(a.config.MinSpacing), Rule: RuleBackoff}, true
	}

	if tracker.ProcessedCount >= a.config.DailyQuota {
		return Decision{At: a.NextDayBoundary(now), Rule: RuleQuota}, true
	}

	if tracker.LastProcessedAt != nil {
		earliest := tracker.LastProcessedAt.Add(a.config.MinSpacing)
		if now.Before(earliest) {
			return Decision{At: earliest, Rule: RuleSpacing}, true
		}
	}

	return Decision{}, false
}

// Admit is the claim-time gate. It refuses while a backoff is open, the daily
// quota is used up, or the spacing window since the last completion is still
// running, and reports when the gate opens again.
func (a *Admission) Admit(now time.Time, tracker domain.RateLimitTracker) (bool, Decision) {
	d, blocked := a.blocking(now, tracker)
	return !blocked, d
}

// RetrySlot returns the reschedule time after an ordinary failure. The retry
// delay starts at MinSpacing and doubles per attempt up to MaxSpacing, and the
// result never precedes the admission slot.
func (a *Admission) RetrySlot(now time.Time, tracker domain.RateLimitTracker, attempts int) time.Time {
	delay := float64(a.config.MinSpacing)
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	if delay > float64(a.config.MaxSpacing) {
		delay = float64(a.config.MaxSpacing)
	}

	retryAt := now.Add(time.Duration(delay))
	if slot := a.NextSlot(now, tracker); slot.After(retryAt) {
		return slot
	}
	return retryAt
}
