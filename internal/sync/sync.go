// Package sync incrementally copies recent listening history from Spotify
// into PostgreSQL.
package sync

import (
	"context"
	"fmt"
	"time"

	zspotify "github.com/zmb3/spotify/v2"
	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/logger"
	"github.com/justestif/site-sync/internal/spotify"
)

// DefaultWindow is the most plays the recently played endpoint returns.
const DefaultWindow = spotify.MaxRecentWindow

// State is where a sync run ended.
type State string

// Sync run outcomes.
const (
	StateNotSeeded State = "not-seeded"
	StateFailed    State = "failed"
	StateEmpty     State = "empty"
	StateInserted  State = "inserted"
)

// PlayStore is the listening history table.
type PlayStore interface {
	Count(ctx context.Context) (int64, error)
	LatestPlayedAt(ctx context.Context) (*time.Time, error)
	InsertBatch(ctx context.Context, plays []db.Play) error
}

// MetadataCache stores resolved track metadata.
type MetadataCache interface {
	UpsertBatch(ctx context.Context, tracks []db.TrackMetadata) error
}

// Fetcher reads recent plays and resolves track metadata.
type Fetcher interface {
	RecentlyPlayed(ctx context.Context, after *time.Time, limit int) ([]zspotify.RecentlyPlayedItem, error)
	FetchTracks(ctx context.Context, ids []string, mode spotify.Mode) (*spotify.FetchResult, error)
}

// Service handles syncing recent plays to the database.
type Service struct {
	plays       PlayStore
	cache       MetadataCache
	fetcher     Fetcher
	window      int
	afterCursor bool
}

// Option configures a Service.
type Option func(*Service)

// WithWindow sets how many recent plays are requested per run. A response
// that fills the window is reported as a possible gap.
func WithWindow(n int) Option {
	return func(s *Service) {
		s.window = n
	}
}

// WithAfterCursor controls whether the watermark is sent as the after filter.
func WithAfterCursor(enabled bool) Option {
	return func(s *Service) {
		s.afterCursor = enabled
	}
}

// New creates a new sync service.
func New(plays PlayStore, cache MetadataCache, fetcher Fetcher, opts ...Option) *Service {
	s := &Service{
		plays:       plays,
		cache:       cache,
		fetcher:     fetcher,
		window:      DefaultWindow,
		afterCursor: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.window <= 0 || s.window > spotify.MaxRecentWindow {
		s.window = spotify.MaxRecentWindow
	}
	return s
}

// Result contains the result of a sync run.
type Result struct {
	State       State
	Skipped     bool
	Inserted    int64
	Total       int
	GapDetected bool
	Warning     string
}

// Sync pulls plays newer than the stored watermark. It does nothing until the
// history has been seeded by an import. Provider failures produce an empty
// result rather than an error; only storage errors are returned.
func (s *Service) Sync(ctx context.Context) (*Result, error) {
	watermark, err := s.plays.LatestPlayedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading watermark: %w", err)
	}
	if watermark == nil {
		logger.InfoCtx(ctx, "Listening history not seeded, skipping sync")
		return &Result{State: StateNotSeeded, Skipped: true}, nil
	}

	var after *time.Time
	if s.afterCursor {
		after = watermark
	}

	items, err := s.fetcher.RecentlyPlayed(ctx, after, s.window)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WarnCtx(ctx, "Fetching recent plays failed, will retry next run",
			zap.Error(err),
			zap.Time("watermark", *watermark),
		)
		return &Result{State: StateFailed}, nil
	}
	if len(items) == 0 {
		return &Result{State: StateEmpty}, nil
	}

	plays, metadata := s.mapItems(ctx, items)

	before, err := s.plays.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting plays: %w", err)
	}
	if err := s.cache.UpsertBatch(ctx, metadata); err != nil {
		return nil, fmt.Errorf("caching metadata: %w", err)
	}
	if err := s.plays.InsertBatch(ctx, plays); err != nil {
		return nil, fmt.Errorf("inserting plays: %w", err)
	}
	afterCount, err := s.plays.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting plays: %w", err)
	}

	result := &Result{
		State:    StateInserted,
		Inserted: afterCount - before,
		Total:    len(items),
	}
	if len(items) >= s.window {
		result.GapDetected = true
		result.Warning = fmt.Sprintf("received %d plays, the full window; plays older than %s may have been missed",
			len(items), items[len(items)-1].PlayedAt.UTC().Format(time.RFC3339))
	}
	return result, nil
}

// mapItems converts recent plays to rows. Tracks delivered without album data
// are resolved through the single track endpoint; plays are kept even when
// that fails since rows do not require metadata.
func (s *Service) mapItems(ctx context.Context, items []zspotify.RecentlyPlayedItem) ([]db.Play, []db.TrackMetadata) {
	resolved := make(map[string]db.TrackMetadata)
	var missing []string

	for i := range items {
		track := &items[i].Track
		id := string(track.ID)
		if id == "" {
			continue
		}
		if _, ok := resolved[id]; ok {
			continue
		}
		if spotify.HasAlbum(track) {
			resolved[id] = spotify.Metadata(id, track)
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := s.fetcher.FetchTracks(ctx, missing, spotify.ModeSingle)
		if err != nil {
			logger.WarnCtx(ctx, "Resolving track metadata failed", zap.Error(err))
		} else {
			for id, meta := range fetched.Metadata {
				resolved[id] = meta
			}
			if failed := fetched.FailedIDs(); len(failed) > 0 {
				logger.WarnCtx(ctx, "Tracks left without metadata", zap.Strings("track_ids", failed))
			}
		}
	}

	plays := make([]db.Play, 0, len(items))
	for i := range items {
		track := &items[i].Track
		id := string(track.ID)
		if id == "" {
			continue
		}

		play := db.Play{
			TrackID:  id,
			PlayedAt: items[i].PlayedAt,
			Source:   db.PlaySourceSync,
		}
		if meta, ok := resolved[id]; ok {
			play.AlbumID = meta.AlbumID
			play.ArtistIDs = meta.ArtistIDs()
		} else {
			for _, a := range track.Artists {
				play.ArtistIDs = append(play.ArtistIDs, string(a.ID))
			}
		}
		plays = append(plays, play)
	}

	metadata := make([]db.TrackMetadata, 0, len(resolved))
	for _, meta := range resolved {
		metadata = append(metadata, meta)
	}
	return plays, metadata
}
