package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Candidate is a newly discovered piece of work.
type Candidate struct {
	WorkID  string `json:"work_id"`
	GroupID string `json:"group_id"`
}

// Discovery lists work that appeared since the given time.
type Discovery interface {
	ListNewWork(ctx context.Context, since time.Time) ([]Candidate, error)
}

// Result is the payload produced by a successful execution.
type Result struct {
	WorkID  string          `json:"work_id"`
	Payload json.RawMessage `json:"payload"`
}

// Worker performs the actual work for one item, e.g. fetching a transcript.
// Errors may carry throttling signatures as free text, or be a *ThrottledError.
type Worker interface {
	Execute(ctx context.Context, workID string) (*Result, error)
}

// ForwardPayload is what gets handed to the downstream system after success.
type ForwardPayload struct {
	ItemID      string          `json:"item_id"`
	WorkID      string          `json:"work_id"`
	GroupID     string          `json:"group_id"`
	Result      json.RawMessage `json:"result"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Forwarder hands results to downstream processing. Best effort.
type Forwarder interface {
	Forward(ctx context.Context, payload ForwardPayload) error
}

// Reporter is a fire-and-forget observability sink.
type Reporter interface {
	Report(metric string, value float64, tags map[string]string)
}

// NopDiscovery never finds anything. Used when no discovery source is configured.
type NopDiscovery struct{}

// ListNewWork returns no candidates.
func (NopDiscovery) ListNewWork(_ context.Context, since time.Time) ([]Candidate, error) {
	slog.Debug("discovery disabled, skipping", "since", since)
	return nil, nil
}

// NopForwarder drops results. Used when no downstream is configured.
type NopForwarder struct{}

// Forward does nothing.
func (NopForwarder) Forward(_ context.Context, payload ForwardPayload) error {
	slog.Debug("forwarding disabled, skipping", "work_id", payload.WorkID)
	return nil
}

// NopReporter discards reports.
type NopReporter struct{}

// Report does nothing.
func (NopReporter) Report(string, float64, map[string]string) {}
