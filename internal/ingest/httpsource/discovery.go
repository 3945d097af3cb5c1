package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/ingest"
)

// Discovery lists new work from GET {url}?since=<RFC3339>.
// The endpoint answers with a JSON array of {"work_id", "group_id"}.
type Discovery struct {
	client *client
}

// NewDiscovery creates a new HTTP discovery source.
func NewDiscovery(config Config) (*Discovery, error) {
	c, err := newClient(config)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	return &Discovery{client: c}, nil
}

var _ ingest.Discovery = (*Discovery)(nil)

// ListNewWork returns candidates that appeared since the given time.
func (d *Discovery) ListNewWork(ctx context.Context, since time.Time) ([]ingest.Candidate, error) {
	u, err := url.Parse(d.client.config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.client.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned %d: %s", resp.StatusCode, readErrorBody(resp))
	}

	var candidates []ingest.Candidate
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	slog.Debug("discovery listed work", "since", since, "count", len(candidates))
	return candidates, nil
}
