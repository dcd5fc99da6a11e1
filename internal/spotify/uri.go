package spotify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zmb3/spotify/v2"
)

const trackURIPrefix = "spotify:track:"

// ErrInvalidTrackURI is returned for references that are not track URIs.
var ErrInvalidTrackURI = errors.New("invalid track URI")

// ParseTrackURI extracts the ID from a spotify:track:<id> URI.
func ParseTrackURI(uri string) (spotify.ID, error) {
	id, ok := strings.CutPrefix(uri, trackURIPrefix)
	if !ok || !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTrackURI, uri)
	}
	return spotify.ID(id), nil
}

// ValidID reports whether id is a 22 character base62 Spotify ID.
func ValidID(id string) bool {
	if len(id) != 22 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}
