package ingest

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Default error signatures. Matching is case-insensitive on the error text.
var (
	DefaultThrottleSignatures = []string{
		"ip has been blocked",
		"too many requests",
		"rate limit",
		"blocked by youtube",
		"blocked by provider",
		"cloud provider",
		"requests from your ip",
	}

	DefaultPermanentSignatures = []string{
		"not found",
		"transcript too short or empty",
		"private video",
		"video unavailable",
		"transcripts are disabled",
	}
)

// Classifier maps work errors to outcomes.
type Classifier struct {
	ThrottleSignatures  []string
	PermanentSignatures []string
	DefaultCooldown     time.Duration
}

// DefaultClassifier returns a classifier with the default signatures.
func DefaultClassifier() *Classifier {
	return &Classifier{
		ThrottleSignatures:  DefaultThrottleSignatures,
		PermanentSignatures: DefaultPermanentSignatures,
		DefaultCooldown:     DefaultThrottleCooldown,
	}
}

// throttler is implemented by errors that know whether they are a throttling signal.
type throttler interface {
	Throttled() (bool, time.Duration)
}

// Classify turns a non-nil work error into an outcome.
func (c *Classifier) Classify(err error) Outcome {
	reason := err.Error()

	// Structured signals win over text matching.
	var te *ThrottledError
	if errors.As(err, &te) {
		return Outcome{Kind: OutcomeThrottled, Reason: reason, Cooldown: c.cooldown(te.Cooldown)}
	}
	var th throttler
	if errors.As(err, &th) {
		if ok, cooldown := th.Throttled(); ok {
			return Outcome{Kind: OutcomeThrottled, Reason: reason, Cooldown: c.cooldown(cooldown)}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeFailed, Reason: reason, Retryable: true}
	}

	var pe *PermanentWorkError
	if errors.As(err, &pe) || !isRetryable(err) {
		return Outcome{Kind: OutcomeFailed, Reason: reason, Retryable: false}
	}

	// Provider block pages often also say "unavailable" or "not found", so
	// throttle text is checked first.
	lower := strings.ToLower(reason)
	if containsAny(lower, c.ThrottleSignatures) {
		return Outcome{Kind: OutcomeThrottled, Reason: reason, Cooldown: c.cooldown(0)}
	}
	if containsAny(lower, c.PermanentSignatures) {
		return Outcome{Kind: OutcomeFailed, Reason: reason, Retryable: false}
	}

	return Outcome{Kind: OutcomeFailed, Reason: reason, Retryable: true}
}

// IsThrottling reports whether err would be classified as throttling.
func (c *Classifier) IsThrottling(err error) bool {
	return err != nil && c.Classify(err).Kind == OutcomeThrottled
}

func (c *Classifier) cooldown(hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	if c.DefaultCooldown > 0 {
		return c.DefaultCooldown
	}
	return DefaultThrottleCooldown
}

// isRetryable checks if an error is retryable. Unknown errors are.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
