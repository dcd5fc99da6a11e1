package auth

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Flights coalesces concurrent token refreshes per provider. At most one
// refresh per provider is in flight; callers that arrive while it runs share
// its outcome. The slot is released when the refresh settles, so the next
// caller after that starts a fresh refresh.
type Flights struct {
	group singleflight.Group
}

// NewFlights creates an empty registry.
func NewFlights() *Flights {
	return &Flights{}
}

// GetOrStart joins the in-flight refresh for provider or starts fn.
// fn runs detached from ctx so that one caller giving up does not fail the
// others; ctx only bounds how long this caller waits.
func (f *Flights) GetOrStart(ctx context.Context, provider string, fn func(ctx context.Context) (string, error)) (string, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(provider, func() (any, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Shared, res.Err
		}
		return res.Val.(string), res.Shared, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}
