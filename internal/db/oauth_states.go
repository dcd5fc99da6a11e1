package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStateExpired is returned by Consume when the state existed but its TTL had passed.
var ErrStateExpired = errors.New("oauth state expired")

// OAuthStateRepository handles pending OAuth authorization states.
type OAuthStateRepository struct {
	pool *pgxpool.Pool
}

// Create inserts a new state.
func (r *OAuthStateRepository) Create(ctx context.Context, state *OAuthState) error {
	query := `
		INSERT INTO oauth_states (state, provider, code_verifier, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.pool.Exec(ctx, query,
		state.State,
		state.Provider,
		state.CodeVerifier,
		state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting oauth state: %w", err)
	}
	return nil
}

// Consume deletes the state and returns it. A state can be consumed once.
// Rows past their expiry are rejected with ErrStateExpired even if the sweep
// has not removed them yet.
func (r *OAuthStateRepository) Consume(ctx context.Context, state string) (*OAuthState, error) {
	query := `
		DELETE FROM oauth_states
		WHERE state = $1
		RETURNING state, provider, code_verifier, expires_at
	`
	var s OAuthState
	err := r.pool.QueryRow(ctx, query, state).Scan(
		&s.State,
		&s.Provider,
		&s.CodeVerifier,
		&s.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming oauth state: %w", err)
	}
	if !s.ExpiresAt.After(time.Now()) {
		return nil, ErrStateExpired
	}
	return &s, nil
}

// DeleteExpired removes all expired states.
func (r *OAuthStateRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM oauth_states WHERE expires_at <= NOW()`
	result, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}
	return result.RowsAffected(), nil
}
