package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/logger"
)

const (
	// DefaultStateTTL bounds how long an issued OAuth state stays valid.
	DefaultStateTTL = 5 * time.Minute

	stravaAuthURL = "https://www.strava.com/oauth/authorize"
)

// ErrUnknownProvider is returned when no flow is registered for a provider.
var ErrUnknownProvider = errors.New("unknown provider")

// Status is the normalized outcome of an OAuth callback.
type Status string

// Callback outcomes.
const (
	StatusSuccess         Status = "success"
	StatusMissingCode     Status = "missing-code"
	StatusMissingState    Status = "missing-state"
	StatusInvalidState    Status = "invalid-state"
	StatusUnknownProvider Status = "unknown-provider"
	StatusError           Status = "error"
)

// Flow is the authorization code exchange for one provider.
// spotifyauth.Authenticator satisfies it directly.
type Flow interface {
	AuthURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// Provider pairs a Flow with whether it uses PKCE.
type Provider struct {
	Flow Flow
	PKCE bool
}

// SpotifyProvider builds the Spotify authorization code flow with PKCE.
func SpotifyProvider(clientID, clientSecret, redirectURL string) Provider {
	a := spotifyauth.New(
		spotifyauth.WithClientID(clientID),
		spotifyauth.WithClientSecret(clientSecret),
		spotifyauth.WithRedirectURL(redirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserReadRecentlyPlayed,
			spotifyauth.ScopeUserReadCurrentlyPlaying,
		),
	)
	return Provider{Flow: a, PKCE: true}
}

// StravaProvider builds the Strava authorization code flow. Strava expects
// client credentials in the form body and a comma separated scope list.
func StravaProvider(clientID, clientSecret, redirectURL, tokenURL string) Provider {
	return Provider{Flow: configFlow{&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"read,activity:read_all"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   stravaAuthURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}}}
}

// configFlow adapts an oauth2.Config to Flow.
type configFlow struct {
	*oauth2.Config
}

func (f configFlow) AuthURL(state string, opts ...oauth2.AuthCodeOption) string {
	return f.AuthCodeURL(state, opts...)
}

// StateStore persists pending OAuth states.
type StateStore interface {
	Create(ctx context.Context, state *db.OAuthState) error
	Consume(ctx context.Context, state string) (*db.OAuthState, error)
}

// OAuth runs the initiation and callback halves of the provider OAuth flows
// and seeds the token store on success.
type OAuth struct {
	providers map[string]Provider
	states    StateStore
	tokens    TokenStore
	stateTTL  time.Duration
	grace     time.Duration
	now       func() time.Time
}

// OAuthOption configures OAuth.
type OAuthOption func(*OAuth)

// WithStateTTL sets how long issued states stay valid.
func WithStateTTL(ttl time.Duration) OAuthOption {
	return func(o *OAuth) {
		o.stateTTL = ttl
	}
}

// WithGrace sets the period subtracted from exchanged token expiry.
func WithGrace(grace time.Duration) OAuthOption {
	return func(o *OAuth) {
		o.grace = grace
	}
}

// WithOAuthClock overrides the time source.
func WithOAuthClock(now func() time.Time) OAuthOption {
	return func(o *OAuth) {
		o.now = now
	}
}

// NewOAuth creates an OAuth runner for the given providers.
func NewOAuth(states StateStore, tokens TokenStore, providers map[string]Provider, opts ...OAuthOption) *OAuth {
	o := &OAuth{
		providers: providers,
		states:    states,
		tokens:    tokens,
		stateTTL:  DefaultStateTTL,
		grace:     DefaultGrace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Begin issues a state for provider and returns the authorize URL.
func (o *OAuth) Begin(ctx context.Context, provider string) (string, error) {
	p, ok := o.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	row := &db.OAuthState{
		State:     state,
		Provider:  provider,
		ExpiresAt: o.now().Add(o.stateTTL),
	}

	var opts []oauth2.AuthCodeOption
	if p.PKCE {
		verifier := oauth2.GenerateVerifier()
		row.CodeVerifier = &verifier
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	if err := o.states.Create(ctx, row); err != nil {
		return "", fmt.Errorf("storing oauth state: %w", err)
	}

	return p.Flow.AuthURL(state, opts...), nil
}

// Complete handles a callback: it consumes the state, exchanges the code and
// seeds the provider's token row. The returned status is always set; err
// carries detail for logging when the status is StatusError.
func (o *OAuth) Complete(ctx context.Context, provider, code, state string) (Status, error) {
	p, ok := o.providers[provider]
	if !ok {
		return StatusUnknownProvider, nil
	}
	if code == "" {
		return StatusMissingCode, nil
	}
	if state == "" {
		return StatusMissingState, nil
	}

	pending, err := o.states.Consume(ctx, state)
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, db.ErrStateExpired):
		return StatusInvalidState, nil
	case err != nil:
		return StatusError, fmt.Errorf("consuming oauth state: %w", err)
	case pending.Provider != provider:
		logger.WarnCtx(ctx, "OAuth state issued for another provider",
			zap.String("provider", provider),
			zap.String("state_provider", pending.Provider),
		)
		return StatusInvalidState, nil
	}

	var opts []oauth2.AuthCodeOption
	if pending.CodeVerifier != nil {
		opts = append(opts, oauth2.VerifierOption(*pending.CodeVerifier))
	}

	token, err := p.Flow.Exchange(ctx, code, opts...)
	if err != nil {
		return StatusError, fmt.Errorf("exchanging %s code: %w", provider, err)
	}
	if token.RefreshToken == "" {
		return StatusError, fmt.Errorf("%s exchange returned no refresh token", provider)
	}

	access := token.AccessToken
	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = o.now()
	}

	if err := o.tokens.Upsert(ctx, &db.Token{
		Name:         provider,
		AccessToken:  &access,
		RefreshToken: token.RefreshToken,
		ExpiryAt:     expiry.Add(-o.grace),
	}); err != nil {
		return StatusError, fmt.Errorf("seeding %s token: %w", provider, err)
	}

	logger.InfoCtx(ctx, "Seeded provider token",
		zap.String("provider", provider),
		logger.Secret("access_token", access),
		logger.Secret("refresh_token", token.RefreshToken),
	)
	return StatusSuccess, nil
}

// generateState creates a random state string for OAuth.
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
