package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/logger"
	"github.com/justestif/site-sync/internal/strava"
)

// DefaultDebounceWindow is the minimum time between fetches of one activity.
const DefaultDebounceWindow = 60 * time.Second

// ErrNoActivityData is returned when the fetched activity cannot be stored.
var ErrNoActivityData = errors.New("no usable activity data")

// Outcome is what Handle did with an event.
type Outcome string

// Handle outcomes.
const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDebounced Outcome = "debounced"
	OutcomeUpserted  Outcome = "upserted"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeAbsent    Outcome = "absent"
)

// ActivityStore is the activity table.
type ActivityStore interface {
	LastUpdatedAt(ctx context.Context, id int64) (*time.Time, error)
	Upsert(ctx context.Context, activity *db.Activity) error
	Delete(ctx context.Context, id int64) (bool, error)
}

// ActivityFetcher reads activities from Strava.
type ActivityFetcher interface {
	GetActivity(ctx context.Context, id int64) (*strava.Activity, error)
}

// Updater applies webhook events to stored activities.
type Updater struct {
	store   ActivityStore
	fetcher ActivityFetcher
	window  time.Duration
	now     func() time.Time
}

// Option configures an Updater.
type Option func(*Updater)

// WithDebounceWindow sets the minimum time between fetches of one activity.
func WithDebounceWindow(d time.Duration) Option {
	return func(u *Updater) {
		u.window = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) {
		u.now = now
	}
}

// NewUpdater creates an Updater.
func NewUpdater(store ActivityStore, fetcher ActivityFetcher, opts ...Option) *Updater {
	u := &Updater{
		store:   store,
		fetcher: fetcher,
		window:  DefaultDebounceWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Handle applies one event. Errors are returned for the caller's retry
// policy; this method never retries on its own.
func (u *Updater) Handle(ctx context.Context, event Event) (Outcome, error) {
	if !event.Dispatchable() {
		logger.DebugCtx(ctx, "Ignoring webhook event",
			zap.String("object_type", event.ObjectType),
			zap.Int64("object_id", event.ObjectID),
		)
		return OutcomeIgnored, nil
	}

	switch event.AspectType {
	case AspectCreate, AspectUpdate:
		return u.refresh(ctx, event.ObjectID)
	case AspectDelete:
		return u.delete(ctx, event.ObjectID)
	default:
		return OutcomeIgnored, fmt.Errorf("unknown aspect type %q", event.AspectType)
	}
}

func (u *Updater) refresh(ctx context.Context, id int64) (Outcome, error) {
	now := u.now()

	last, err := u.store.LastUpdatedAt(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reading activity %d: %w", id, err)
	}
	if last != nil && now.Sub(*last) < u.window {
		logger.InfoCtx(ctx, "Activity updated recently, dropping event",
			zap.Int64("activity_id", id),
			zap.Time("last_updated_at", *last),
			zap.Duration("window", u.window),
		)
		return OutcomeDebounced, nil
	}

	activity, err := u.fetcher.GetActivity(ctx, id)
	if errors.Is(err, strava.ErrActivityNotFound) || errors.Is(err, strava.ErrMissingStartDate) {
		return "", fmt.Errorf("%w: %w", ErrNoActivityData, err)
	}
	if err != nil {
		return "", fmt.Errorf("fetching activity %d: %w", id, err)
	}

	if err := u.store.Upsert(ctx, activity.Record(now)); err != nil {
		return "", fmt.Errorf("storing activity %d: %w", id, err)
	}

	logger.InfoCtx(ctx, "Stored activity",
		zap.Int64("activity_id", id),
		zap.String("sport_type", activity.SportType),
	)
	return OutcomeUpserted, nil
}

func (u *Updater) delete(ctx context.Context, id int64) (Outcome, error) {
	deleted, err := u.store.Delete(ctx, id)
	if err != nil {
		return "", fmt.Errorf("deleting activity %d: %w", id, err)
	}
	if !deleted {
		logger.DebugCtx(ctx, "Deleted activity was never stored", zap.Int64("activity_id", id))
		return OutcomeAbsent, nil
	}
	logger.InfoCtx(ctx, "Deleted activity", zap.Int64("activity_id", id))
	return OutcomeDeleted, nil
}
