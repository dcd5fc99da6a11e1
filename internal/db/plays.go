package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PlayRepository handles listening history storage.
type PlayRepository struct {
	pool *pgxpool.Pool
}

// InsertBatch inserts plays, ignoring rows whose (track_id, played_at) already exists.
// The returned count is not reported; callers compare Count before and after.
func (r *PlayRepository) InsertBatch(ctx context.Context, plays []Play) error {
	if len(plays) == 0 {
		return nil
	}

	query := `
		INSERT INTO spotify_plays (track_id, played_at, album_id, artist_ids, ms_played, source)
		SELECT t.track_id, t.played_at, t.album_id, COALESCE(string_to_array(t.artist_ids, ','), '{}'), t.ms_played, t.source
		FROM unnest($1::text[], $2::timestamptz[], $3::text[], $4::text[], $5::int[], $6::text[])
			AS t(track_id, played_at, album_id, artist_ids, ms_played, source)
		ON CONFLICT (track_id, played_at) DO NOTHING
	`

	trackIDs := make([]string, len(plays))
	playedAts := make([]time.Time, len(plays))
	albumIDs := make([]*string, len(plays))
	artistIDs := make([]*string, len(plays))
	msPlayed := make([]*int, len(plays))
	sources := make([]string, len(plays))

	for i, p := range plays {
		trackIDs[i] = p.TrackID
		playedAts[i] = p.PlayedAt
		albumIDs[i] = p.AlbumID
		artistIDs[i] = joinIDs(p.ArtistIDs)
		msPlayed[i] = p.MsPlayed
		sources[i] = p.Source
	}

	_, err := r.pool.Exec(ctx, query, trackIDs, playedAts, albumIDs, artistIDs, msPlayed, sources)
	if err != nil {
		return fmt.Errorf("batch inserting plays: %w", err)
	}
	return nil
}

// Count returns the number of stored plays.
func (r *PlayRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM spotify_plays`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting plays: %w", err)
	}
	return count, nil
}

// LatestPlayedAt returns the newest played_at, or nil when no plays exist.
func (r *PlayRepository) LatestPlayedAt(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	err := r.pool.QueryRow(ctx, `SELECT MAX(played_at) FROM spotify_plays`).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("querying latest play: %w", err)
	}
	return latest, nil
}

// Recent returns the newest plays joined with cached metadata, newest first.
func (r *PlayRepository) Recent(ctx context.Context, limit int) ([]PlayWithTrack, error) {
	query := `
		SELECT p.track_id, p.played_at, p.album_id, p.artist_ids, p.ms_played, p.source,
			t.id, t.name, t.duration_ms, t.album_id, al.name, al.image_url,
			COALESCE(t.artist_ids, '{}'),
			COALESCE(
				(SELECT array_agg(COALESCE(a.name, '') ORDER BY u.ord)
				 FROM unnest(t.artist_ids) WITH ORDINALITY AS u(aid, ord)
				 LEFT JOIN spotify_artists a ON a.id = u.aid),
				'{}'
			)
		FROM spotify_plays p
		LEFT JOIN spotify_tracks t ON t.id = p.track_id
		LEFT JOIN spotify_albums al ON al.id = t.album_id
		ORDER BY p.played_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent plays: %w", err)
	}
	defer rows.Close()

	var plays []PlayWithTrack
	for rows.Next() {
		var (
			p           PlayWithTrack
			trackID     *string
			trackName   *string
			durationMs  *int
			albumID     *string
			albumName   *string
			albumImage  *string
			artistIDs   []string
			artistNames []string
		)
		if err := rows.Scan(
			&p.TrackID,
			&p.PlayedAt,
			&p.AlbumID,
			&p.ArtistIDs,
			&p.MsPlayed,
			&p.Source,
			&trackID,
			&trackName,
			&durationMs,
			&albumID,
			&albumName,
			&albumImage,
			&artistIDs,
			&artistNames,
		); err != nil {
			return nil, fmt.Errorf("scanning play: %w", err)
		}
		if trackID != nil && trackName != nil {
			meta := &TrackMetadata{
				ID:         *trackID,
				Name:       *trackName,
				DurationMs: durationMs,
				AlbumID:    albumID,
				AlbumName:  albumName,
				AlbumImage: albumImage,
			}
			// Names are aggregated from the track's artist_ids, so the two arrays align.
			for i, id := range artistIDs {
				artist := Artist{ID: id}
				if i < len(artistNames) {
					artist.Name = artistNames[i]
				}
				meta.Artists = append(meta.Artists, artist)
			}
			p.Track = meta
		}
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

// joinIDs flattens ids for a text[] unnest column; nil maps to an empty array.
func joinIDs(ids []string) *string {
	if len(ids) == 0 {
		return nil
	}
	s := strings.Join(ids, ",")
	return &s
}
