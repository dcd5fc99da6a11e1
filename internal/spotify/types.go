package spotify

import (
	"github.com/zmb3/spotify/v2"

	"github.com/justestif/site-sync/internal/db"
)

type tracksResponse struct {
	Tracks []*spotify.FullTrack `json:"tracks"`
}

// HasAlbum reports whether the track carries usable album data.
func HasAlbum(t *spotify.SimpleTrack) bool {
	return t.Album.ID != ""
}

// Metadata converts a track to its cached form, keyed by id. The first
// album image is kept; the API orders images widest first.
func Metadata(id string, t *spotify.SimpleTrack) db.TrackMetadata {
	meta := db.TrackMetadata{
		ID:   id,
		Name: t.Name,
	}
	if t.Duration > 0 {
		d := int(t.Duration)
		meta.DurationMs = &d
	}
	if HasAlbum(t) {
		albumID := string(t.Album.ID)
		albumName := t.Album.Name
		meta.AlbumID = &albumID
		meta.AlbumName = &albumName
		if len(t.Album.Images) > 0 {
			image := t.Album.Images[0].URL
			meta.AlbumImage = &image
		}
	}
	for _, a := range t.Artists {
		if a.ID == "" {
			continue
		}
		meta.Artists = append(meta.Artists, db.Artist{ID: string(a.ID), Name: a.Name})
	}
	return meta
}

// fullTrackMetadata is Metadata for a full track object, whose album field
// shadows the embedded simple track's.
func fullTrackMetadata(id string, t *spotify.FullTrack) db.TrackMetadata {
	simple := t.SimpleTrack
	simple.Album = t.Album
	return Metadata(id, &simple)
}
