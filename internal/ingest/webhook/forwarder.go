// Package webhook forwards processed results to a downstream HTTP webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/ingest"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1 * time.Second
	maxErrorBody          = 512
)

// Config holds webhook forwarder configuration.
type Config struct {
	URL            string
	AuthToken      string
	Timeout        time.Duration
	RateLimit      float64 // requests per second, 0 means unlimited
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Forwarder implements ingest.Forwarder by POSTing the payload as JSON.
type Forwarder struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewForwarder creates a new webhook forwarder.
func NewForwarder(config Config) (*Forwarder, error) {
	if config.URL == "" {
		return nil, errors.New("webhook forwarder: url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaultInitialBackoff
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	slog.Info("webhook forwarder configured",
		"rate_limit", config.RateLimit,
		"max_attempts", config.MaxAttempts,
	)

	return &Forwarder{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}, nil
}

var _ ingest.Forwarder = (*Forwarder)(nil)

// Forward sends the payload, retrying retryable failures with exponential backoff.
func (f *Forwarder) Forward(ctx context.Context, payload ingest.ForwardPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		lastErr = f.send(ctx, body)
		if lastErr == nil {
			slog.Debug("result forwarded", "work_id", payload.WorkID, "attempt", attempt)
			return nil
		}
		if !IsRetryable(lastErr) || attempt == f.config.MaxAttempts {
			break
		}

		backoff := f.config.InitialBackoff << (attempt - 1)
		slog.Warn("forward failed, retrying",
			"work_id", payload.WorkID,
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("forward cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}

func (f *Forwarder) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.URL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if f.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.AuthToken)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp)
}

func handleResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode == http.StatusRequestTimeout:
		return &RetryableError{Code: resp.StatusCode, Message: "request timeout"}
	case resp.StatusCode >= 500:
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", string(body))}
	default:
		return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("rejected: %s", string(body))}
	}
}

// IsRetryable checks if an error is retryable. Unknown errors are.
func IsRetryable(err error) bool {
	var pe *PermanentError
	return !errors.As(err, &pe)
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
