package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TrackRepository handles the track metadata cache. Cached rows are never
// invalidated: metadata for a historical play is treated as immutable.
type TrackRepository struct {
	pool *pgxpool.Pool
}

// UpsertBatch caches artists, albums and tracks in one transaction.
// Rows that are already cached are left untouched.
func (r *TrackRepository) UpsertBatch(ctx context.Context, tracks []TrackMetadata) error {
	if len(tracks) == 0 {
		return nil
	}

	var (
		artistIDs, artistNames           []string
		albumIDs, albumNames             []string
		albumImages                      []*string
		trackIDs, trackNames             []string
		trackDurations                   []*int
		trackAlbums, trackArtists        []*string
		seenArtists, seenAlbums, seenIDs = map[string]bool{}, map[string]bool{}, map[string]bool{}
	)

	for _, t := range tracks {
		if t.ID == "" || seenIDs[t.ID] {
			continue
		}
		seenIDs[t.ID] = true

		for _, a := range t.Artists {
			if a.ID == "" || seenArtists[a.ID] {
				continue
			}
			seenArtists[a.ID] = true
			artistIDs = append(artistIDs, a.ID)
			artistNames = append(artistNames, a.Name)
		}

		if t.AlbumID != nil && !seenAlbums[*t.AlbumID] {
			seenAlbums[*t.AlbumID] = true
			name := ""
			if t.AlbumName != nil {
				name = *t.AlbumName
			}
			albumIDs = append(albumIDs, *t.AlbumID)
			albumNames = append(albumNames, name)
			albumImages = append(albumImages, t.AlbumImage)
		}

		trackIDs = append(trackIDs, t.ID)
		trackNames = append(trackNames, t.Name)
		trackDurations = append(trackDurations, t.DurationMs)
		trackAlbums = append(trackAlbums, t.AlbumID)
		trackArtists = append(trackArtists, joinIDs(t.ArtistIDs()))
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(artistIDs) > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO spotify_artists (id, name)
			SELECT * FROM unnest($1::text[], $2::text[])
			ON CONFLICT (id) DO NOTHING
		`, artistIDs, artistNames)
		if err != nil {
			return fmt.Errorf("batch inserting artists: %w", err)
		}
	}

	if len(albumIDs) > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO spotify_albums (id, name, image_url)
			SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
			ON CONFLICT (id) DO NOTHING
		`, albumIDs, albumNames, albumImages)
		if err != nil {
			return fmt.Errorf("batch inserting albums: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO spotify_tracks (id, name, duration_ms, album_id, artist_ids)
		SELECT t.id, t.name, t.duration_ms, t.album_id, COALESCE(string_to_array(t.artist_ids, ','), '{}')
		FROM unnest($1::text[], $2::text[], $3::int[], $4::text[], $5::text[])
			AS t(id, name, duration_ms, album_id, artist_ids)
		ON CONFLICT (id) DO NOTHING
	`, trackIDs, trackNames, trackDurations, trackAlbums, trackArtists)
	if err != nil {
		return fmt.Errorf("batch inserting tracks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing metadata: %w", err)
	}
	return nil
}

// GetMany returns cached metadata keyed by track ID. IDs that are not cached
// are absent from the map.
func (r *TrackRepository) GetMany(ctx context.Context, ids []string) (map[string]TrackMetadata, error) {
	result := make(map[string]TrackMetadata, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `
		SELECT t.id, t.name, t.duration_ms, t.album_id, al.name, al.image_url, t.artist_ids,
			COALESCE(
				(SELECT array_agg(COALESCE(a.name, '') ORDER BY u.ord)
				 FROM unnest(t.artist_ids) WITH ORDINALITY AS u(aid, ord)
				 LEFT JOIN spotify_artists a ON a.id = u.aid),
				'{}'
			)
		FROM spotify_tracks t
		LEFT JOIN spotify_albums al ON al.id = t.album_id
		WHERE t.id = ANY($1::text[])
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying cached tracks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t           TrackMetadata
			artistIDs   []string
			artistNames []string
		)
		if err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.DurationMs,
			&t.AlbumID,
			&t.AlbumName,
			&t.AlbumImage,
			&artistIDs,
			&artistNames,
		); err != nil {
			return nil, fmt.Errorf("scanning cached track: %w", err)
		}
		for i, id := range artistIDs {
			artist := Artist{ID: id}
			if i < len(artistNames) {
				artist.Name = artistNames[i]
			}
			t.Artists = append(t.Artists, artist)
		}
		result[t.ID] = t
	}
	return result, rows.Err()
}
