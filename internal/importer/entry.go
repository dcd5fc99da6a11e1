package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/justestif/site-sync/internal/jsonshape"
)

// Shape identifies which export layout an entry matched.
type Shape string

// Entry shapes, tried in this order.
const (
	ShapeStored       Shape = "stored"
	ShapeWire         Shape = "wire"
	ShapeUnrecognized Shape = "unrecognized"
)

// ErrUnrecognizedEntry is returned for entries that match no known shape.
var ErrUnrecognizedEntry = errors.New("unrecognized entry")

// storedShape is the site's own export: {ts, external_track_uri, ms_played}.
var storedShape = jsonshape.MustCompile("stored-play", `{
	"type": "object",
	"required": ["ts", "external_track_uri", "ms_played"],
	"properties": {
		"ts": {"type": "string", "minLength": 1},
		"external_track_uri": {"type": ["string", "null"]},
		"ms_played": {"type": "number", "minimum": 0}
	}
}`)

// wireShape is Spotify's extended streaming history export.
var wireShape = jsonshape.MustCompile("spotify-streaming-history", `{
	"type": "object",
	"required": ["ts", "ms_played", "spotify_track_uri"],
	"properties": {
		"ts": {"type": "string", "minLength": 1},
		"ms_played": {"type": "number", "minimum": 0},
		"spotify_track_uri": {"type": ["string", "null"]},
		"spotify_episode_uri": {"type": ["string", "null"]},
		"master_metadata_track_name": {"type": ["string", "null"]},
		"master_metadata_album_artist_name": {"type": ["string", "null"]}
	}
}`)

// Entry is one normalized listening event from an export file.
type Entry struct {
	Shape    Shape
	PlayedAt time.Time
	TrackURI *string // nil for non-music entries
	MsPlayed int
}

// ParseEntry decodes raw as a stored entry first, then as a wire entry.
func ParseEntry(raw json.RawMessage) (Entry, error) {
	if err := storedShape.Validate(raw); err == nil {
		var e struct {
			TS       string  `json:"ts"`
			URI      *string `json:"external_track_uri"`
			MsPlayed float64 `json:"ms_played"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return Entry{Shape: ShapeUnrecognized}, fmt.Errorf("%w: %v", ErrUnrecognizedEntry, err)
		}
		return newEntry(ShapeStored, e.TS, e.URI, e.MsPlayed)
	}

	if err := wireShape.Validate(raw); err == nil {
		var e struct {
			TS       string  `json:"ts"`
			URI      *string `json:"spotify_track_uri"`
			MsPlayed float64 `json:"ms_played"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return Entry{Shape: ShapeUnrecognized}, fmt.Errorf("%w: %v", ErrUnrecognizedEntry, err)
		}
		return newEntry(ShapeWire, e.TS, e.URI, e.MsPlayed)
	}

	return Entry{Shape: ShapeUnrecognized}, ErrUnrecognizedEntry
}

func newEntry(shape Shape, ts string, uri *string, msPlayed float64) (Entry, error) {
	playedAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Entry{Shape: shape}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	if uri != nil && *uri == "" {
		uri = nil
	}
	return Entry{
		Shape:    shape,
		PlayedAt: playedAt.UTC(),
		TrackURI: uri,
		MsPlayed: int(msPlayed),
	}, nil
}
