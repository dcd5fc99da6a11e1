// Package spotify fetches track metadata and listening history from the
// Spotify Web API through an authenticated client.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justestif/site-sync/internal/apiclient"
)

// Spotify API limits.
const (
	MaxBatchSize    = 50
	MaxRecentWindow = 50
)

var (
	// ErrNotFound is recorded for IDs the API reports as missing.
	ErrNotFound = errors.New("track not found")

	// ErrMaxRetriesExceeded is recorded when rate limiting outlasts the retry budget.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Getter issues authenticated GET requests. *apiclient.Client implements it.
type Getter interface {
	Get(ctx context.Context, resource string) (*apiclient.Response, error)
}

// Config holds request pacing and retry settings.
type Config struct {
	BatchSize      int
	BatchDelay     time.Duration
	SingleDelay    time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client is a rate-limit aware Spotify API client.
type Client struct {
	api Getter
	cfg Config
}

// New creates a Spotify client over api.
func New(api Getter, cfg Config) *Client {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{api: api, cfg: cfg}
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func newStatusError(resp *apiclient.Response) *StatusError {
	body := string(resp.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: body}
}

// sleepContext waits for delay or until ctx is done.
func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
