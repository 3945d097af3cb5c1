package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/ingest"
)

// Worker executes work via POST {url} with {"work_id": ...}. The JSON
// response body becomes the result payload.
type Worker struct {
	client *client
	now    func() time.Time
}

// NewWorker creates a new HTTP worker.
func NewWorker(config Config) (*Worker, error) {
	c, err := newClient(config)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	return &Worker{client: c, now: time.Now}, nil
}

var _ ingest.Worker = (*Worker)(nil)

type executeRequest struct {
	WorkID string `json:"work_id"`
}

// Execute runs one piece of work.
func (w *Worker) Execute(ctx context.Context, workID string) (*ingest.Result, error) {
	body, err := json.Marshal(executeRequest{WorkID: workID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.client.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, ingest.NewPermanentWorkError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.do(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("send request: %w", ctxErr)
		}
		return nil, ingest.NewTransientWorkError(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, ingest.NewTransientWorkError(fmt.Errorf("read response: %w", err))
		}
		if !json.Valid(payload) {
			return nil, ingest.NewPermanentWorkError(errors.New("worker returned invalid json"))
		}
		return &ingest.Result{WorkID: workID, Payload: payload}, nil

	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusForbidden:
		cooldown := parseRetryAfter(resp.Header.Get("Retry-After"), w.now())
		return nil, ingest.NewThrottledError(
			fmt.Errorf("blocked by provider (%d): %s", resp.StatusCode, readErrorBody(resp)),
			cooldown,
		)

	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, ingest.NewPermanentWorkError(
			fmt.Errorf("work %s not found (%d): %s", workID, resp.StatusCode, readErrorBody(resp)),
		)

	case resp.StatusCode >= 500:
		// The body may still carry a throttling message; the classifier matches it.
		return nil, ingest.NewTransientWorkError(
			fmt.Errorf("worker error %d: %s", resp.StatusCode, readErrorBody(resp)),
		)

	default:
		return nil, ingest.NewPermanentWorkError(
			fmt.Errorf("worker rejected %s (%d): %s", workID, resp.StatusCode, readErrorBody(resp)),
		)
	}
}
