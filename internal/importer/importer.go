// Package importer loads historical listening exports into the play history.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/logger"
	"github.com/justestif/site-sync/internal/spotify"
)

// ErrNotArray is returned when the file's top level is not a JSON array.
var ErrNotArray = errors.New("import file must be a JSON array")

// PlayStore is the listening history table.
type PlayStore interface {
	Count(ctx context.Context) (int64, error)
	InsertBatch(ctx context.Context, plays []db.Play) error
}

// MetadataCache is the local track metadata cache.
type MetadataCache interface {
	GetMany(ctx context.Context, ids []string) (map[string]db.TrackMetadata, error)
	UpsertBatch(ctx context.Context, tracks []db.TrackMetadata) error
}

// TrackFetcher resolves track metadata remotely.
type TrackFetcher interface {
	FetchTracks(ctx context.Context, ids []string, mode spotify.Mode) (*spotify.FetchResult, error)
}

// Options controls one import run.
type Options struct {
	DryRun bool
}

// EntryError describes an entry that could not be imported.
type EntryError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result summarizes an import run.
type Result struct {
	RunID          string       `json:"run_id"`
	DryRun         bool         `json:"dry_run"`
	Entries        int          `json:"entries"`
	Imported       int64        `json:"imported"`
	WouldImport    int          `json:"would_import,omitempty"`
	Skipped        int          `json:"skipped"`
	Duplicates     int          `json:"duplicates"`
	UniqueTracks   int          `json:"unique_tracks"`
	CachedTracks   int          `json:"cached_tracks"`
	FetchedTracks  int          `json:"fetched_tracks"`
	Errors         []EntryError `json:"errors"`
	FailedTrackIDs []string     `json:"failed_track_ids"`
}

// Importer loads export files.
type Importer struct {
	plays   PlayStore
	cache   MetadataCache
	fetcher TrackFetcher
	mode    spotify.Mode
}

// Option configures an Importer.
type Option func(*Importer)

// WithFetchMode selects how uncached tracks are resolved. Batch is the default.
func WithFetchMode(mode spotify.Mode) Option {
	return func(i *Importer) {
		i.mode = mode
	}
}

// New creates an Importer.
func New(plays PlayStore, cache MetadataCache, fetcher TrackFetcher, opts ...Option) *Importer {
	i := &Importer{
		plays:   plays,
		cache:   cache,
		fetcher: fetcher,
		mode:    spotify.ModeBatch,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

type playKey struct {
	trackID  string
	playedAt time.Time
}

// Import parses contents and inserts every resolvable play. Entries without a
// track reference are skipped; unparseable entries and unresolvable tracks are
// reported in the result without failing the run.
func (im *Importer) Import(ctx context.Context, contents []byte, opts Options) (*Result, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(contents, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: got null", ErrNotArray)
	}

	result := &Result{
		RunID:          uuid.NewString(),
		DryRun:         opts.DryRun,
		Entries:        len(raw),
		Errors:         []EntryError{},
		FailedTrackIDs: []string{},
	}
	log := logger.FromContext(ctx).With(zap.String("run_id", result.RunID))

	seen := make(map[playKey]bool, len(raw))
	var (
		entries  []Entry
		trackIDs []string
		unique   = make(map[string]bool)
		entryIDs []string
	)

	for i, r := range raw {
		entry, err := ParseEntry(r)
		if err != nil {
			result.Errors = append(result.Errors, EntryError{Index: i, Reason: err.Error()})
			continue
		}
		if entry.TrackURI == nil {
			result.Skipped++
			continue
		}
		id, err := spotify.ParseTrackURI(*entry.TrackURI)
		if err != nil {
			result.Errors = append(result.Errors, EntryError{Index: i, Reason: err.Error()})
			continue
		}

		trackID := id.String()
		key := playKey{trackID: trackID, playedAt: entry.PlayedAt}
		if seen[key] {
			result.Duplicates++
			continue
		}
		seen[key] = true

		entries = append(entries, entry)
		entryIDs = append(entryIDs, trackID)
		if !unique[trackID] {
			unique[trackID] = true
			trackIDs = append(trackIDs, trackID)
		}
	}
	result.UniqueTracks = len(trackIDs)

	if opts.DryRun {
		result.WouldImport = len(entries)
		log.Info("Import dry run complete",
			zap.Int("entries", result.Entries),
			zap.Int("would_import", result.WouldImport),
			zap.Int("skipped", result.Skipped),
			zap.Int("errors", len(result.Errors)),
		)
		return result, nil
	}

	metadata, err := im.resolve(ctx, trackIDs, result)
	if err != nil {
		return nil, err
	}

	plays := make([]db.Play, 0, len(entries))
	for i, entry := range entries {
		meta, ok := metadata[entryIDs[i]]
		if !ok {
			continue
		}
		msPlayed := entry.MsPlayed
		plays = append(plays, db.Play{
			TrackID:   entryIDs[i],
			PlayedAt:  entry.PlayedAt,
			AlbumID:   meta.AlbumID,
			ArtistIDs: meta.ArtistIDs(),
			MsPlayed:  &msPlayed,
			Source:    db.PlaySourceImport,
		})
	}

	before, err := im.plays.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting plays: %w", err)
	}
	if err := im.plays.InsertBatch(ctx, plays); err != nil {
		return nil, fmt.Errorf("inserting plays: %w", err)
	}
	after, err := im.plays.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting plays: %w", err)
	}
	result.Imported = after - before

	log.Info("Import complete",
		zap.Int("entries", result.Entries),
		zap.Int64("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
		zap.Int("failed_tracks", len(result.FailedTrackIDs)),
	)
	return result, nil
}

// resolve returns metadata for ids from the cache first and the API second.
// Fetched metadata is cached; IDs resolved by neither land in FailedTrackIDs.
func (im *Importer) resolve(ctx context.Context, ids []string, result *Result) (map[string]db.TrackMetadata, error) {
	metadata, err := im.cache.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reading metadata cache: %w", err)
	}
	result.CachedTracks = len(metadata)

	var remaining []string
	for _, id := range ids {
		if _, ok := metadata[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return metadata, nil
	}

	fetched, err := im.fetcher.FetchTracks(ctx, remaining, im.mode)
	if err != nil {
		return nil, fmt.Errorf("fetching track metadata: %w", err)
	}

	newMeta := make([]db.TrackMetadata, 0, len(fetched.Metadata))
	for _, id := range remaining {
		meta, ok := fetched.Metadata[id]
		if !ok {
			result.FailedTrackIDs = append(result.FailedTrackIDs, id)
			continue
		}
		metadata[id] = meta
		newMeta = append(newMeta, meta)
	}
	result.FetchedTracks = len(newMeta)
	slices.Sort(result.FailedTrackIDs)

	if err := im.cache.UpsertBatch(ctx, newMeta); err != nil {
		return nil, fmt.Errorf("caching metadata: %w", err)
	}
	return metadata, nil
}
