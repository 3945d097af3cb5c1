package ingest

import (
	"errors"
	"fmt"
	"time"
)

// Repository errors.
var (
	ErrItemNotFound  = errors.New("queue item not found")
	ErrNotProcessing = errors.New("queue item is not processing")
	ErrInvalidStatus = errors.New("invalid queue status")
)

// Queue errors.
var (
	ErrInvalidWork   = errors.New("work id is required")
	ErrDuplicateWork = errors.New("work is already queued")
)

// StorageError wraps a failure of the persistent store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// Domain sentinels pass through untouched.
	if errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrNotProcessing) || errors.Is(err, ErrInvalidStatus) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ThrottledError signals that the upstream provider is rate-limiting us.
// Work collaborators return it when they can tell for sure (HTTP 429 and the like).
type ThrottledError struct {
	// Cooldown is the provider's hint. Zero means use the executor default.
	Cooldown time.Duration
	Err      error
}

func (e *ThrottledError) Error() string {
	if e.Err == nil {
		return "throttled by provider"
	}
	return fmt.Sprintf("throttled: %v", e.Err)
}

func (e *ThrottledError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true, the item is rescheduled after the backoff.
func (e *ThrottledError) IsRetryable() bool { return true }

// TransientWorkError is an ordinary failure that may succeed on retry.
type TransientWorkError struct {
	Err error
}

func (e *TransientWorkError) Error() string {
	return e.Err.Error()
}

func (e *TransientWorkError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true.
func (e *TransientWorkError) IsRetryable() bool { return true }

// PermanentWorkError marks work that will never succeed, e.g. the item does not exist.
type PermanentWorkError struct {
	Err error
}

func (e *PermanentWorkError) Error() string {
	return e.Err.Error()
}

func (e *PermanentWorkError) Unwrap() error {
	return e.Err
}

// IsRetryable returns false.
func (e *PermanentWorkError) IsRetryable() bool { return false }

// NewThrottledError creates a throttling error with a cooldown hint.
func NewThrottledError(err error, cooldown time.Duration) *ThrottledError {
	return &ThrottledError{Err: err, Cooldown: cooldown}
}

// NewPermanentWorkError creates a non-retryable work error.
func NewPermanentWorkError(err error) *PermanentWorkError {
	return &PermanentWorkError{Err: err}
}

// NewTransientWorkError creates a retryable work error.
func NewTransientWorkError(err error) *TransientWorkError {
	return &TransientWorkError{Err: err}
}
