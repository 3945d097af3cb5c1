package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

func (e *statusError) Throttled() (bool, time.Duration) {
	return e.code == 429, e.retryAfter
}

func TestClassifier_Classify(t *testing.T) {
	c := DefaultClassifier()

	tests := []struct {
		name          string
		err           error
		wantKind      OutcomeKind
		wantRetryable bool
		wantCooldown  time.Duration
	}{
		{
			name:         "structured throttle with hint",
			err:          NewThrottledError(errors.New("slow down"), 30*time.Minute),
			wantKind:     OutcomeThrottled,
			wantCooldown: 30 * time.Minute,
		},
		{
			name:         "structured throttle without hint uses default",
			err:          fmt.Errorf("fetch: %w", NewThrottledError(nil, 0)),
			wantKind:     OutcomeThrottled,
			wantCooldown: DefaultThrottleCooldown,
		},
		{
			name:         "throttler interface",
			err:          &statusError{code: 429, retryAfter: time.Minute},
			wantKind:     OutcomeThrottled,
			wantCooldown: time.Minute,
		},
		{
			name:          "throttler interface declining",
			err:           &statusError{code: 502},
			wantKind:      OutcomeFailed,
			wantRetryable: true,
		},
		{
			name:         "throttle signature in text",
			err:          errors.New("Could not retrieve transcript: your IP has been blocked by YouTube"),
			wantKind:     OutcomeThrottled,
			wantCooldown: DefaultThrottleCooldown,
		},
		{
			name:         "too many requests",
			err:          errors.New("HTTP Error 429: Too Many Requests"),
			wantKind:     OutcomeThrottled,
			wantCooldown: DefaultThrottleCooldown,
		},
		{
			name:     "permanent signature",
			err:      errors.New("video unavailable"),
			wantKind: OutcomeFailed,
		},
		{
			name:         "throttle text wins over permanent signature",
			err:          errors.New("Video unavailable: requests from your IP have been blocked by YouTube"),
			wantKind:     OutcomeThrottled,
			wantCooldown: DefaultThrottleCooldown,
		},
		{
			name:         "too many requests mentioning not found",
			err:          errors.New("429 Too Many Requests: requested resource not found in cache"),
			wantKind:     OutcomeThrottled,
			wantCooldown: DefaultThrottleCooldown,
		},
		{
			name:     "permanent work error with throttle text stays permanent",
			err:      NewPermanentWorkError(errors.New("rate limit plan does not cover this video")),
			wantKind: OutcomeFailed,
		},
		{
			name:     "permanent work error",
			err:      NewPermanentWorkError(errors.New("bad input")),
			wantKind: OutcomeFailed,
		},
		{
			name:          "transient work error",
			err:           NewTransientWorkError(errors.New("connection reset")),
			wantKind:      OutcomeFailed,
			wantRetryable: true,
		},
		{
			name:          "deadline exceeded",
			err:           fmt.Errorf("execute: %w", context.DeadlineExceeded),
			wantKind:      OutcomeFailed,
			wantRetryable: true,
		},
		{
			name:          "unknown error is retryable",
			err:           errors.New("something odd"),
			wantKind:      OutcomeFailed,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantRetryable, got.Retryable)
			assert.Equal(t, tt.wantCooldown, got.Cooldown)
			assert.Equal(t, tt.err.Error(), got.Reason)
		})
	}
}

func TestClassifier_CustomSignatures(t *testing.T) {
	c := &Classifier{
		ThrottleSignatures:  []string{"QUOTA EXCEEDED"},
		PermanentSignatures: []string{"gone"},
		DefaultCooldown:     15 * time.Minute,
	}

	out := c.Classify(errors.New("daily quota exceeded"))
	assert.Equal(t, OutcomeThrottled, out.Kind)
	assert.Equal(t, 15*time.Minute, out.Cooldown)

	assert.False(t, c.IsThrottling(errors.New("ip has been blocked")), "defaults are replaced")
	assert.Equal(t, OutcomeFailed, c.Classify(errors.New("resource gone")).Kind)
	assert.False(t, c.Classify(errors.New("resource gone")).Retryable)
}

func TestClassifier_IsThrottling(t *testing.T) {
	c := DefaultClassifier()

	assert.False(t, c.IsThrottling(nil))
	assert.True(t, c.IsThrottling(errors.New("requests from your IP")))
	assert.False(t, c.IsThrottling(errors.New("disk full")))
}
