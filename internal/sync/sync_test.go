package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	zspotify "github.com/zmb3/spotify/v2"
	"go.uber.org/zap/zapcore"

	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/spotify"
)

// memPlays is an in-memory PlayStore keyed by (track_id, played_at).
type memPlays struct {
	mu    gosync.Mutex
	plays map[string]db.Play
	err   error
}

func newMemPlays(plays ...db.Play) *memPlays {
	m := &memPlays{plays: make(map[string]db.Play)}
	for _, p := range plays {
		m.plays[playKey(p)] = p
	}
	return m
}

func playKey(p db.Play) string {
	return p.TrackID + "@" + p.PlayedAt.UTC().Format(time.RFC3339Nano)
}

func (m *memPlays) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.plays)), m.err
}

func (m *memPlays) LatestPlayedAt(context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var latest *time.Time
	for _, p := range m.plays {
		if latest == nil || p.PlayedAt.After(*latest) {
			t := p.PlayedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *memPlays) InsertBatch(_ context.Context, plays []db.Play) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range plays {
		if _, ok := m.plays[playKey(p)]; !ok {
			m.plays[playKey(p)] = p
		}
	}
	return nil
}

func (m *memPlays) byTrack(id string) []db.Play {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Play
	for _, p := range m.plays {
		if p.TrackID == id {
			out = append(out, p)
		}
	}
	return out
}

type memCache struct {
	tracks map[string]db.TrackMetadata
}

func (m *memCache) UpsertBatch(_ context.Context, tracks []db.TrackMetadata) error {
	if m.tracks == nil {
		m.tracks = make(map[string]db.TrackMetadata)
	}
	for _, t := range tracks {
		if _, ok := m.tracks[t.ID]; !ok {
			m.tracks[t.ID] = t
		}
	}
	return nil
}

// fakeFetcher returns canned plays and records calls.
type fakeFetcher struct {
	items       []zspotify.RecentlyPlayedItem
	err         error
	recentCalls int
	after       *time.Time
	limit       int
	fetchCalls  int
	fetchIDs    []string
	fetchMode   spotify.Mode
}

func (f *fakeFetcher) RecentlyPlayed(_ context.Context, after *time.Time, limit int) ([]zspotify.RecentlyPlayedItem, error) {
	f.recentCalls++
	f.after = after
	f.limit = limit
	return f.items, f.err
}

func (f *fakeFetcher) FetchTracks(_ context.Context, ids []string, mode spotify.Mode) (*spotify.FetchResult, error) {
	f.fetchCalls++
	f.fetchIDs = ids
	f.fetchMode = mode
	result := &spotify.FetchResult{Metadata: map[string]db.TrackMetadata{}}
	for _, id := range ids {
		if id == "unresolvable" {
			result.Errors = append(result.Errors, spotify.FetchError{IDs: []string{id}, Reason: "not found", Err: spotify.ErrNotFound})
			continue
		}
		album := "fetched-album"
		result.Metadata[id] = db.TrackMetadata{ID: id, Name: "Fetched", AlbumID: &album}
	}
	return result, nil
}

func playItem(id string, at time.Time) zspotify.RecentlyPlayedItem {
	return zspotify.RecentlyPlayedItem{
		PlayedAt: at,
		Track: zspotify.SimpleTrack{
			ID:      zspotify.ID(id),
			Name:    "Song " + id,
			Album:   zspotify.SimpleAlbum{ID: zspotify.ID("album-" + id), Name: "Album"},
			Artists: []zspotify.SimpleArtist{{ID: "artist1", Name: "Artist"}},
		},
	}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSync_ColdStart(t *testing.T) {
	plays := newMemPlays()
	fetcher := &fakeFetcher{}
	s := New(plays, &memCache{}, fetcher)

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !result.Skipped || result.Inserted != 0 || result.Total != 0 {
		t.Errorf("Sync() = %+v, want skipped with zero counts", result)
	}
	if result.State != StateNotSeeded {
		t.Errorf("State = %q, want %q", result.State, StateNotSeeded)
	}
	if fetcher.recentCalls != 0 || fetcher.fetchCalls != 0 {
		t.Errorf("network calls = %d/%d, want none", fetcher.recentCalls, fetcher.fetchCalls)
	}
}

func TestSync_SeededWithOneNewPlay(t *testing.T) {
	plays := newMemPlays(db.Play{TrackID: "old", PlayedAt: t0, Source: db.PlaySourceImport})
	cache := &memCache{}
	fetcher := &fakeFetcher{items: []zspotify.RecentlyPlayedItem{playItem("new", t0.Add(24*time.Hour))}}
	s := New(plays, cache, fetcher)

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Inserted != 1 || result.Total != 1 || result.GapDetected {
		t.Errorf("Sync() = %+v, want inserted 1, total 1, no gap", result)
	}
	if fetcher.after == nil || !fetcher.after.Equal(t0) {
		t.Errorf("after = %v, want watermark %v", fetcher.after, t0)
	}
	if fetcher.limit != DefaultWindow {
		t.Errorf("limit = %d, want %d", fetcher.limit, DefaultWindow)
	}

	rows := plays.byTrack("new")
	if len(rows) != 1 {
		t.Fatalf("rows for track = %d, want 1", len(rows))
	}
	if rows[0].AlbumID == nil || *rows[0].AlbumID != "album-new" {
		t.Errorf("AlbumID = %v, want album-new", rows[0].AlbumID)
	}
	if rows[0].Source != db.PlaySourceSync {
		t.Errorf("Source = %q, want %q", rows[0].Source, db.PlaySourceSync)
	}
	if _, ok := cache.tracks["new"]; !ok {
		t.Error("metadata was not cached")
	}
}

func TestSync_GapDetection(t *testing.T) {
	tests := []struct {
		name    string
		items   int
		wantGap bool
	}{
		{"full window", 50, true},
		{"one short of window", 49, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plays := newMemPlays(db.Play{TrackID: "seed", PlayedAt: t0})
			items := make([]zspotify.RecentlyPlayedItem, tt.items)
			for i := range items {
				items[i] = playItem(fmt.Sprintf("t%d", i), t0.Add(time.Duration(tt.items-i)*time.Minute))
			}
			s := New(plays, &memCache{}, &fakeFetcher{items: items})

			result, err := s.Sync(context.Background())
			if err != nil {
				t.Fatalf("Sync() error = %v", err)
			}
			if result.GapDetected != tt.wantGap {
				t.Errorf("GapDetected = %v, want %v", result.GapDetected, tt.wantGap)
			}
			if (result.Warning != "") != tt.wantGap {
				t.Errorf("Warning = %q", result.Warning)
			}
			if result.Inserted != int64(tt.items) {
				t.Errorf("Inserted = %d, want %d", result.Inserted, tt.items)
			}
		})
	}
}

func TestSync_ConfigurableWindow(t *testing.T) {
	plays := newMemPlays(db.Play{TrackID: "seed", PlayedAt: t0})
	items := []zspotify.RecentlyPlayedItem{
		playItem("a", t0.Add(2*time.Minute)),
		playItem("b", t0.Add(time.Minute)),
	}
	fetcher := &fakeFetcher{items: items}
	s := New(plays, &memCache{}, fetcher, WithWindow(2), WithAfterCursor(false))

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !result.GapDetected {
		t.Error("GapDetected = false, want true when the configured window is filled")
	}
	if fetcher.limit != 2 {
		t.Errorf("limit = %d, want 2", fetcher.limit)
	}
	if fetcher.after != nil {
		t.Errorf("after = %v, want nil with the cursor disabled", fetcher.after)
	}
}

func TestSync_DuplicatesAreNotCounted(t *testing.T) {
	seen := t0.Add(time.Hour)
	plays := newMemPlays(db.Play{TrackID: "dup", PlayedAt: seen})
	fetcher := &fakeFetcher{items: []zspotify.RecentlyPlayedItem{
		playItem("dup", seen),
		playItem("fresh", seen.Add(time.Minute)),
	}}
	s := New(plays, &memCache{}, fetcher, WithAfterCursor(false))

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Inserted != 1 || result.Total != 2 {
		t.Errorf("Sync() = %+v, want inserted 1 of 2", result)
	}

	// A second run with the same response inserts nothing.
	result, err = s.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if result.Inserted != 0 {
		t.Errorf("second Sync() inserted = %d, want 0", result.Inserted)
	}
}

func TestSync_ProviderFailureIsEmpty(t *testing.T) {
	plays := newMemPlays(db.Play{TrackID: "seed", PlayedAt: t0})
	s := New(plays, &memCache{}, &fakeFetcher{err: &spotify.StatusError{StatusCode: 503}})

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v, want nil", err)
	}
	if result.Inserted != 0 || result.Total != 0 || result.State != StateFailed {
		t.Errorf("Sync() = %+v, want empty failed result", result)
	}
}

func TestSync_NoNewPlays(t *testing.T) {
	plays := newMemPlays(db.Play{TrackID: "seed", PlayedAt: t0})
	s := New(plays, &memCache{}, &fakeFetcher{})

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.State != StateEmpty || result.Inserted != 0 || result.Total != 0 {
		t.Errorf("Sync() = %+v, want empty", result)
	}
}

func TestSync_ResolvesTracksWithoutAlbum(t *testing.T) {
	plays := newMemPlays(db.Play{TrackID: "seed", PlayedAt: t0})
	bare := playItem("bare", t0.Add(time.Minute))
	bare.Track.Album = zspotify.SimpleAlbum{}
	gone := playItem("unresolvable", t0.Add(2*time.Minute))
	gone.Track.Album = zspotify.SimpleAlbum{}
	fetcher := &fakeFetcher{items: []zspotify.RecentlyPlayedItem{bare, gone, playItem("full", t0.Add(3*time.Minute))}}
	cache := &memCache{}
	s := New(plays, cache, fetcher)

	result, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if fetcher.fetchCalls != 1 || fetcher.fetchMode != spotify.ModeSingle {
		t.Errorf("FetchTracks calls = %d mode %q, want 1 single", fetcher.fetchCalls, fetcher.fetchMode)
	}
	if len(fetcher.fetchIDs) != 2 {
		t.Errorf("fetched IDs = %v, want the two tracks without album", fetcher.fetchIDs)
	}
	if result.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3 (unresolved plays are still stored)", result.Inserted)
	}
	rows := plays.byTrack("bare")
	if len(rows) != 1 || rows[0].AlbumID == nil || *rows[0].AlbumID != "fetched-album" {
		t.Errorf("bare rows = %+v, want fetched album", rows)
	}
	if _, ok := cache.tracks["unresolvable"]; ok {
		t.Error("unresolved track should not be cached")
	}
}

func TestSyncWithLogging(t *testing.T) {
	storageErr := errors.New("connection refused")

	ok := New(newMemPlays(), &memCache{}, &fakeFetcher{})
	if got := ok.SyncWithLogging(context.Background(), TriggerBackfill, zapcore.WarnLevel); got == nil || !got.Skipped {
		t.Errorf("SyncWithLogging() = %+v, want skipped result", got)
	}

	failing := New(&memPlays{plays: map[string]db.Play{}, err: storageErr}, &memCache{}, &fakeFetcher{})
	if got := failing.SyncWithLogging(context.Background(), TriggerCron, zapcore.ErrorLevel); got != nil {
		t.Errorf("SyncWithLogging() = %+v, want nil on error", got)
	}

	panicking := New(newMemPlays(db.Play{TrackID: "seed", PlayedAt: t0}), nil, &fakeFetcher{
		items: []zspotify.RecentlyPlayedItem{playItem("x", t0.Add(time.Minute))},
	})
	if got := panicking.SyncWithLogging(context.Background(), TriggerCron, zapcore.ErrorLevel); got != nil {
		t.Errorf("SyncWithLogging() = %+v, want nil after panic", got)
	}
}

type countingSweeper struct {
	calls int
	err   error
}

func (c *countingSweeper) DeleteExpired(context.Context) (int64, error) {
	c.calls++
	return 2, c.err
}

func TestSchedulerTick(t *testing.T) {
	fetcher := &fakeFetcher{}
	sweeper := &countingSweeper{err: errors.New("db down")}
	s := NewScheduler(New(newMemPlays(), &memCache{}, fetcher), sweeper, time.Minute)

	s.Tick(context.Background())
	s.Tick(context.Background())

	if sweeper.calls != 2 {
		t.Errorf("sweeps = %d, want 2", sweeper.calls)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s := NewScheduler(New(newMemPlays(), &memCache{}, &fakeFetcher{}), nil, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
