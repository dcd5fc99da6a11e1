package db

import "time"

// Token is the stored credential set for one provider.
type Token struct {
	Name         string
	AccessToken  *string // nullable until the first refresh
	RefreshToken string
	ExpiryAt     time.Time // provider expiry minus the grace period
	UpdatedAt    time.Time
}

// Play source labels.
const (
	PlaySourceSync   = "sync"
	PlaySourceImport = "import"
)

// Play is one listening event. (TrackID, PlayedAt) is unique.
type Play struct {
	TrackID   string
	PlayedAt  time.Time
	AlbumID   *string // nullable
	ArtistIDs []string
	MsPlayed  *int // nullable, only known for imported plays
	Source    string
}

// Artist is a cached artist.
type Artist struct {
	ID   string
	Name string
}

// TrackMetadata is the cached, denormalized metadata for a track.
type TrackMetadata struct {
	ID         string
	Name       string
	DurationMs *int // nullable
	AlbumID    *string
	AlbumName  *string
	AlbumImage *string
	Artists    []Artist
}

// ArtistIDs returns the track's artist IDs in order.
func (t TrackMetadata) ArtistIDs() []string {
	ids := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		ids[i] = a.ID
	}
	return ids
}

// PlayWithTrack is a play joined with whatever metadata is cached for it.
type PlayWithTrack struct {
	Play
	Track *TrackMetadata // nil when metadata was never resolved
}

// Activity is one fitness activity. ID is unique and the row is updated in place.
type Activity struct {
	ID             int64
	Name           string
	SportType      string
	StartDate      time.Time
	DistanceM      float64
	MovingTimeS    int
	ElapsedTimeS   int
	ElevationGainM float64
	LastUpdatedAt  time.Time
}

// OAuthState is a pending, single-use OAuth authorization request.
type OAuthState struct {
	State        string
	Provider     string
	CodeVerifier *string // nullable, set for PKCE flows
	ExpiresAt    time.Time
}
