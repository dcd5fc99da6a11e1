package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/logger"
)

var (
	// ErrTokenNotSeeded is returned when no token row exists for a provider.
	// Providers are seeded once through the OAuth flow.
	ErrTokenNotSeeded = errors.New("token not seeded")

	// ErrRefreshRejected is returned when the refresh endpoint answers non-2xx.
	ErrRefreshRejected = errors.New("token refresh rejected")

	// ErrInvalidRefreshResponse is returned when a 2xx refresh body fails validation.
	ErrInvalidRefreshResponse = errors.New("invalid token refresh response")
)

// bodySnippetLimit bounds how much of a rejected refresh body is logged.
const bodySnippetLimit = 200

// TokenStore persists provider tokens.
type TokenStore interface {
	Get(ctx context.Context, name string) (*db.Token, error)
	Upsert(ctx context.Context, token *db.Token) error
}

// Refresher returns valid access tokens, refreshing them at most once per
// provider at a time.
type Refresher struct {
	store      TokenStore
	flights    *Flights
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithHTTPClient sets the client used for refresh requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) {
		r.httpClient = c
	}
}

// WithFlights shares a refresh registry between refreshers.
func WithFlights(f *Flights) Option {
	return func(r *Refresher) {
		r.flights = f
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) {
		r.now = now
	}
}

// NewRefresher creates a Refresher backed by store.
func NewRefresher(store TokenStore, opts ...Option) *Refresher {
	r := &Refresher{
		store:      store,
		flights:    NewFlights(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AccessToken returns a valid access token for cfg's provider. A stored,
// unexpired token is returned without a network call unless forceRefresh is set.
func (r *Refresher) AccessToken(ctx context.Context, cfg ProviderConfig, forceRefresh bool) (string, error) {
	token, err := r.load(ctx, cfg.Name)
	if err != nil {
		return "", err
	}

	if !forceRefresh && token.AccessToken != nil && *token.AccessToken != "" && token.ExpiryAt.After(r.now()) {
		return *token.AccessToken, nil
	}

	access, shared, err := r.flights.GetOrStart(ctx, cfg.Name, func(ctx context.Context) (string, error) {
		return r.refresh(ctx, cfg)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.DebugCtx(ctx, "Joined in-flight token refresh", zap.String("provider", cfg.Name))
	}
	return access, nil
}

func (r *Refresher) load(ctx context.Context, name string) (*db.Token, error) {
	token, err := r.store.Get(ctx, name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotSeeded, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s token: %w", name, err)
	}
	return token, nil
}

// refresh performs the network refresh and persists the result.
func (r *Refresher) refresh(ctx context.Context, cfg ProviderConfig) (string, error) {
	// The row is re-read so a refresh token rotated by the previous flight is used.
	token, err := r.load(ctx, cfg.Name)
	if err != nil {
		return "", err
	}

	body := cfg.BuildBody(token.RefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, strings.NewReader(body.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating %s refresh request: %w", cfg.Name, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	logger.DebugCtx(ctx, "Refreshing access token",
		zap.String("provider", cfg.Name),
		logger.Secret("refresh_token", token.RefreshToken),
		logger.Secret("authorization", req.Header.Get("Authorization")),
	)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting %s token refresh: %w", cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s refresh response: %w", cfg.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.WarnCtx(ctx, "Token refresh rejected",
			zap.String("provider", cfg.Name),
			zap.Int("status", resp.StatusCode),
			zap.String("body", snippet(raw)),
		)
		return "", fmt.Errorf("%w: %s returned status %d", ErrRefreshRejected, cfg.Name, resp.StatusCode)
	}

	refreshed, err := cfg.Validate(raw, token.RefreshToken, r.now())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRefreshResponse, cfg.Name, err)
	}

	access := refreshed.AccessToken
	if err := r.store.Upsert(ctx, &db.Token{
		Name:         cfg.Name,
		AccessToken:  &access,
		RefreshToken: refreshed.RefreshToken,
		ExpiryAt:     refreshed.ExpiryAt,
	}); err != nil {
		return "", fmt.Errorf("saving %s token: %w", cfg.Name, err)
	}

	logger.InfoCtx(ctx, "Refreshed access token",
		zap.String("provider", cfg.Name),
		logger.Secret("access_token", access),
		zap.Time("expiry_at", refreshed.ExpiryAt),
	)
	return access, nil
}

// snippet truncates a response body for logging. Refresh error bodies may echo
// credentials, so anything that looks like a token is masked.
func snippet(raw []byte) string {
	s := string(raw)
	if len(s) > bodySnippetLimit {
		s = s[:bodySnippetLimit]
	}
	fields := strings.Fields(s)
	for i, f := range fields {
		if len(f) >= 24 && !strings.ContainsAny(f, "{}:") {
			fields[i] = logger.Mask(f)
		}
	}
	return strings.Join(fields, " ")
}

// TokenSource binds a Refresher to one provider.
type TokenSource struct {
	refresher *Refresher
	cfg       ProviderConfig
}

// TokenSource returns a source of access tokens for cfg's provider.
func (r *Refresher) TokenSource(cfg ProviderConfig) *TokenSource {
	return &TokenSource{refresher: r, cfg: cfg}
}

// Token returns a valid access token, forcing a refresh when requested.
func (s *TokenSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return s.refresher.AccessToken(ctx, s.cfg, forceRefresh)
}

// Provider returns the provider name.
func (s *TokenSource) Provider() string {
	return s.cfg.Name
}
