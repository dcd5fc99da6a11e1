package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justestif/site-sync/internal/db"
)

// memTokens is an in-memory TokenStore.
type memTokens struct {
	mu      sync.Mutex
	tokens  map[string]db.Token
	upserts int
}

func newMemTokens(tokens ...db.Token) *memTokens {
	m := &memTokens{tokens: make(map[string]db.Token)}
	for _, t := range tokens {
		m.tokens[t.Name] = t
	}
	return m
}

func (m *memTokens) Get(_ context.Context, name string) (*db.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[name]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &t, nil
}

func (m *memTokens) Upsert(_ context.Context, token *db.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.Name] = *token
	m.upserts++
	return nil
}

func (m *memTokens) get(name string) db.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[name]
}

func strPtr(s string) *string { return &s }

// refreshServer counts refresh requests and answers with a fresh Spotify-style token.
func refreshServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token_type":"Bearer","access_token":"access-%d","expires_in":3600}`, n)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestAccessToken_ValidTokenSkipsNetwork(t *testing.T) {
	server, calls := refreshServer(t, nil)
	store := newMemTokens(db.Token{
		Name:         ProviderSpotify,
		AccessToken:  strPtr("cached"),
		RefreshToken: "refresh",
		ExpiryAt:     time.Now().Add(time.Hour),
	})
	r := NewRefresher(store)
	cfg := SpotifyRefreshConfig("id", "secret", server.URL, DefaultGrace)

	got, err := r.AccessToken(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if got != "cached" {
		t.Errorf("AccessToken() = %q, want %q", got, "cached")
	}
	if calls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", calls.Load())
	}
}

func TestAccessToken_RefreshesWhenNeeded(t *testing.T) {
	tests := []struct {
		name  string
		token db.Token
		force bool
	}{
		{
			name:  "expired",
			token: db.Token{AccessToken: strPtr("old"), ExpiryAt: time.Now().Add(-time.Minute)},
		},
		{
			name:  "never refreshed",
			token: db.Token{ExpiryAt: time.Now().Add(time.Hour)},
		},
		{
			name:  "empty access token",
			token: db.Token{AccessToken: strPtr(""), ExpiryAt: time.Now().Add(time.Hour)},
		},
		{
			name:  "forced",
			token: db.Token{AccessToken: strPtr("old"), ExpiryAt: time.Now().Add(time.Hour)},
			force: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, calls := refreshServer(t, nil)
			tt.token.Name = ProviderSpotify
			tt.token.RefreshToken = "refresh"
			store := newMemTokens(tt.token)
			r := NewRefresher(store)
			cfg := SpotifyRefreshConfig("id", "secret", server.URL, DefaultGrace)

			got, err := r.AccessToken(context.Background(), cfg, tt.force)
			if err != nil {
				t.Fatalf("AccessToken() error = %v", err)
			}
			if got != "access-1" {
				t.Errorf("AccessToken() = %q, want %q", got, "access-1")
			}
			if calls.Load() != 1 {
				t.Errorf("refresh calls = %d, want 1", calls.Load())
			}

			saved := store.get(ProviderSpotify)
			if saved.AccessToken == nil || *saved.AccessToken != "access-1" {
				t.Errorf("stored access token = %v, want access-1", saved.AccessToken)
			}
			if saved.RefreshToken != "refresh" {
				t.Errorf("stored refresh token = %q, want previous token reused", saved.RefreshToken)
			}
			wantExpiry := time.Now().Add(time.Hour - DefaultGrace)
			if d := saved.ExpiryAt.Sub(wantExpiry); d < -5*time.Second || d > 5*time.Second {
				t.Errorf("stored expiry off by %s", d)
			}
		})
	}
}

func TestAccessToken_NotSeeded(t *testing.T) {
	server, calls := refreshServer(t, nil)
	r := NewRefresher(newMemTokens())
	cfg := SpotifyRefreshConfig("id", "secret", server.URL, DefaultGrace)

	_, err := r.AccessToken(context.Background(), cfg, false)
	if !errors.Is(err, ErrTokenNotSeeded) {
		t.Errorf("AccessToken() error = %v, want ErrTokenNotSeeded", err)
	}
	if calls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", calls.Load())
	}
}

func TestAccessToken_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	server, calls := refreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		fmt.Fprint(w, `{"token_type":"Bearer","access_token":"shared","expires_in":3600}`)
	})

	store := newMemTokens(db.Token{Name: ProviderSpotify, RefreshToken: "refresh", ExpiryAt: time.Now().Add(-time.Minute)})
	r := NewRefresher(store)
	cfg := SpotifyRefreshConfig("id", "secret", server.URL, DefaultGrace)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.AccessToken(context.Background(), cfg, false)
		}(i)
	}

	<-started
	// Let every caller reach the in-flight refresh before it settles.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}
	for i := range callers {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Errorf("caller %d token = %q, want %q", i, results[i], "shared")
		}
	}

	// A new wave after settlement starts a fresh refresh.
	if _, err := r.AccessToken(context.Background(), cfg, true); err != nil {
		t.Fatalf("AccessToken() second wave error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("refresh calls after second wave = %d, want 2", calls.Load())
	}
}

func TestAccessToken_SharedFailure(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	server, calls := refreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})

	store := newMemTokens(db.Token{Name: ProviderStrava, RefreshToken: "refresh", ExpiryAt: time.Now().Add(-time.Minute)})
	r := NewRefresher(store)
	cfg := StravaRefreshConfig("id", "secret", server.URL, DefaultGrace)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.AccessToken(context.Background(), cfg, false)
		}(i)
	}
	<-started
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, ErrRefreshRejected) {
			t.Errorf("caller %d error = %v, want ErrRefreshRejected", i, err)
		}
	}
	if store.upserts != 0 {
		t.Errorf("upserts = %d, want 0 after a rejected refresh", store.upserts)
	}
}

func TestAccessToken_InvalidResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"wrong token type", `{"token_type":"MAC","access_token":"a","expires_in":3600}`},
		{"missing access token", `{"token_type":"Bearer","expires_in":3600}`},
		{"empty access token", `{"token_type":"Bearer","access_token":"","expires_in":3600}`},
		{"lifetime within grace", `{"token_type":"Bearer","access_token":"a","expires_in":10}`},
		{"not json", `<html>oops</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := refreshServer(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			store := newMemTokens(db.Token{Name: ProviderSpotify, RefreshToken: "refresh"})
			r := NewRefresher(store)
			cfg := SpotifyRefreshConfig("id", "secret", server.URL, DefaultGrace)

			_, err := r.AccessToken(context.Background(), cfg, false)
			if !errors.Is(err, ErrInvalidRefreshResponse) {
				t.Errorf("AccessToken() error = %v, want ErrInvalidRefreshResponse", err)
			}
		})
	}
}

func TestSpotifyRefreshConfig_Request(t *testing.T) {
	var gotAuth, gotContentType string
	var gotForm map[string][]string
	server, _ := refreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		gotForm = r.PostForm
		fmt.Fprint(w, `{"token_type":"Bearer","access_token":"new","refresh_token":"rotated","expires_in":3600}`)
	})

	store := newMemTokens(db.Token{Name: ProviderSpotify, RefreshToken: "refresh"})
	r := NewRefresher(store)
	cfg := SpotifyRefreshConfig("id", "secret", server.URL, DefaultGrace)

	if _, err := r.AccessToken(context.Background(), cfg, false); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}

	// base64("id:secret")
	if gotAuth != "Basic aWQ6c2VjcmV0" {
		t.Errorf("Authorization = %q, want Basic credentials", gotAuth)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotForm["grant_type"][0] != "refresh_token" || gotForm["refresh_token"][0] != "refresh" {
		t.Errorf("form = %v", gotForm)
	}
	if store.get(ProviderSpotify).RefreshToken != "rotated" {
		t.Errorf("refresh token = %q, want rotated", store.get(ProviderSpotify).RefreshToken)
	}
}

func TestStravaRefreshConfig(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := StravaRefreshConfig("123", "shh", "https://www.strava.com/oauth/token", DefaultGrace)

	body := cfg.BuildBody("refresh")
	if body.Get("client_id") != "123" || body.Get("client_secret") != "shh" || body.Get("refresh_token") != "refresh" {
		t.Errorf("BuildBody() = %v", body)
	}
	if _, ok := cfg.Headers["Authorization"]; ok {
		t.Error("Strava refresh should not send an Authorization header")
	}

	valid, _ := json.Marshal(map[string]any{
		"token_type":    "Bearer",
		"access_token":  "access",
		"refresh_token": "next",
		"expires_at":    now.Add(6 * time.Hour).Unix(),
		"expires_in":    21600,
	})
	got, err := cfg.Validate(valid, "refresh", now)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.RefreshToken != "next" {
		t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, "next")
	}
	if want := now.Add(6*time.Hour - DefaultGrace); !got.ExpiryAt.Equal(want) {
		t.Errorf("ExpiryAt = %v, want %v", got.ExpiryAt, want)
	}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing refresh token", map[string]any{"token_type": "Bearer", "access_token": "a", "expires_at": now.Add(time.Hour).Unix()}},
		{"already expired", map[string]any{"token_type": "Bearer", "access_token": "a", "refresh_token": "r", "expires_at": now.Add(10 * time.Second).Unix()}},
		{"missing expires_at", map[string]any{"token_type": "Bearer", "access_token": "a", "refresh_token": "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(tt.body)
			if _, err := cfg.Validate(raw, "refresh", now); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestTokenSource(t *testing.T) {
	server, calls := refreshServer(t, nil)
	store := newMemTokens(db.Token{
		Name:         ProviderSpotify,
		AccessToken:  strPtr("cached"),
		RefreshToken: "refresh",
		ExpiryAt:     time.Now().Add(time.Hour),
	})
	src := NewRefresher(store).TokenSource(SpotifyRefreshConfig("id", "secret", server.URL, DefaultGrace))

	if src.Provider() != ProviderSpotify {
		t.Errorf("Provider() = %q", src.Provider())
	}
	got, err := src.Token(context.Background(), true)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != "access-1" || calls.Load() != 1 {
		t.Errorf("Token(force) = %q after %d calls, want access-1 after 1", got, calls.Load())
	}
}

func TestSnippetMasksTokens(t *testing.T) {
	body := []byte(`error: refresh token AQBxyz1234567890abcdefghijkl revoked`)
	got := snippet(body)
	if strings.Contains(got, "1234567890abcdef") {
		t.Errorf("snippet() leaked token: %q", got)
	}
	if !strings.Contains(got, "AQB…") {
		t.Errorf("snippet() = %q, want masked prefix", got)
	}
}
