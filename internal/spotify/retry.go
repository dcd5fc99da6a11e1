package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/apiclient"
	"github.com/justestif/site-sync/internal/logger"
)

// errRateLimited marks a 429 response as retryable.
var errRateLimited = errors.New("rate limited")

// linearBackOff waits min(initial*(attempt+1), max) before each retry.
type linearBackOff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.initial * time.Duration(b.attempt+1)
	b.attempt++
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// get fetches resource, retrying 429 responses up to MaxRetries times.
// Any other response, including non-2xx, is returned for the caller to interpret.
func (c *Client) get(ctx context.Context, resource string) (*apiclient.Response, error) {
	var (
		resp     *apiclient.Response
		attempts int
	)

	operation := func() error {
		attempts++
		r, err := c.api.Get(ctx, resource)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.StatusCode == http.StatusTooManyRequests {
			return errRateLimited
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{initial: c.cfg.InitialBackoff, max: c.cfg.MaxBackoff}, uint64(c.cfg.MaxRetries)),
		ctx,
	)

	err := backoff.RetryNotify(operation, policy, func(_ error, wait time.Duration) {
		logger.WarnCtx(ctx, "Rate limited by Spotify, backing off",
			zap.String("resource", resource),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
		)
	})
	if errors.Is(err, errRateLimited) {
		return nil, fmt.Errorf("%w: %d attempts", ErrMaxRetriesExceeded, attempts)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
