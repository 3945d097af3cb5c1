// Package httpsource provides Discovery and Worker implementations backed by
// HTTP JSON endpoints.
package httpsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 1024
)

// Config holds endpoint configuration.
type Config struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

type client struct {
	config     Config
	httpClient *http.Client
}

func newClient(config Config) (*client, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return &client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (c *client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
	return c.httpClient.Do(req)
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return strings.TrimSpace(string(body))
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
