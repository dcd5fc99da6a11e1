package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/justestif/site-sync/internal/jsonshape"
)

// Provider names used as token row keys and OAuth route parameters.
const (
	ProviderSpotify = "spotify"
	ProviderStrava  = "strava"
)

// DefaultGrace is subtracted from provider-declared expiry times.
const DefaultGrace = 30 * time.Second

// RefreshedToken is a validated refresh response.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiryAt     time.Time
}

// ProviderConfig describes how to refresh one provider's token.
// It is built once at startup and shared by every caller.
type ProviderConfig struct {
	Name     string
	Endpoint string
	Headers  map[string]string

	// BuildBody returns the form body for a refresh request.
	BuildBody func(refreshToken string) url.Values

	// Validate checks a 2xx refresh response and extracts the new token.
	// previousRefreshToken is reused when the provider omits a new one.
	Validate func(body []byte, previousRefreshToken string, now time.Time) (*RefreshedToken, error)
}

var spotifyRefreshShape = jsonshape.MustCompile("spotify-refresh", `{
	"type": "object",
	"required": ["token_type", "access_token", "expires_in"],
	"properties": {
		"token_type": {"const": "Bearer"},
		"access_token": {"type": "string", "minLength": 1},
		"expires_in": {"type": "integer", "minimum": 1},
		"refresh_token": {"type": "string", "minLength": 1},
		"scope": {"type": "string"}
	}
}`)

var stravaRefreshShape = jsonshape.MustCompile("strava-refresh", `{
	"type": "object",
	"required": ["token_type", "access_token", "expires_at", "refresh_token"],
	"properties": {
		"token_type": {"const": "Bearer"},
		"access_token": {"type": "string", "minLength": 1},
		"expires_at": {"type": "integer", "minimum": 1},
		"expires_in": {"type": "integer"},
		"refresh_token": {"type": "string", "minLength": 1}
	}
}`)

// SpotifyRefreshConfig refreshes with client credentials in a Basic
// Authorization header. Spotify declares a relative lifetime and may omit
// the refresh token, in which case the previous one stays valid.
func SpotifyRefreshConfig(clientID, clientSecret, tokenURL string, grace time.Duration) ProviderConfig {
	basic := base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret))

	return ProviderConfig{
		Name:     ProviderSpotify,
		Endpoint: tokenURL,
		Headers: map[string]string{
			"Authorization": "Basic " + basic,
			"Content-Type":  "application/x-www-form-urlencoded",
		},
		BuildBody: func(refreshToken string) url.Values {
			return url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {refreshToken},
			}
		},
		Validate: func(body []byte, previousRefreshToken string, now time.Time) (*RefreshedToken, error) {
			if err := spotifyRefreshShape.Validate(body); err != nil {
				return nil, err
			}

			var resp struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
				ExpiresIn    int64  `json:"expires_in"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("decoding refresh response: %w", err)
			}

			lifetime := time.Duration(resp.ExpiresIn) * time.Second
			if lifetime <= grace {
				return nil, fmt.Errorf("token lifetime %s is within the %s grace period", lifetime, grace)
			}

			refreshToken := resp.RefreshToken
			if refreshToken == "" {
				refreshToken = previousRefreshToken
			}

			return &RefreshedToken{
				AccessToken:  resp.AccessToken,
				RefreshToken: refreshToken,
				ExpiryAt:     now.Add(lifetime - grace),
			}, nil
		},
	}
}

// StravaRefreshConfig refreshes with client credentials in the form body.
// Strava declares an absolute expiry and always returns a refresh token.
func StravaRefreshConfig(clientID, clientSecret, tokenURL string, grace time.Duration) ProviderConfig {
	return ProviderConfig{
		Name:     ProviderStrava,
		Endpoint: tokenURL,
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Accept":       "application/json",
		},
		BuildBody: func(refreshToken string) url.Values {
			return url.Values{
				"client_id":     {clientID},
				"client_secret": {clientSecret},
				"grant_type":    {"refresh_token"},
				"refresh_token": {refreshToken},
			}
		},
		Validate: func(body []byte, _ string, now time.Time) (*RefreshedToken, error) {
			if err := stravaRefreshShape.Validate(body); err != nil {
				return nil, err
			}

			var resp struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
				ExpiresAt    int64  `json:"expires_at"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("decoding refresh response: %w", err)
			}

			expiryAt := time.Unix(resp.ExpiresAt, 0).Add(-grace)
			if !expiryAt.After(now) {
				return nil, fmt.Errorf("token expiry %s is not in the future", time.Unix(resp.ExpiresAt, 0).UTC())
			}

			return &RefreshedToken{
				AccessToken:  resp.AccessToken,
				RefreshToken: resp.RefreshToken,
				ExpiryAt:     expiryAt,
			}, nil
		},
	}
}
