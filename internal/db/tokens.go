package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenRepository handles provider token storage.
type TokenRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves the token row for a provider.
func (r *TokenRepository) Get(ctx context.Context, name string) (*Token, error) {
	query := `
		SELECT name, access_token, refresh_token, expiry_at, updated_at
		FROM tokens
		WHERE name = $1
	`
	var token Token
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&token.Name,
		&token.AccessToken,
		&token.RefreshToken,
		&token.ExpiryAt,
		&token.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	return &token, nil
}

// Upsert creates or replaces the token row for a provider.
func (r *TokenRepository) Upsert(ctx context.Context, token *Token) error {
	query := `
		INSERT INTO tokens (name, access_token, refresh_token, expiry_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry_at = EXCLUDED.expiry_at,
			updated_at = NOW()
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		token.Name,
		token.AccessToken,
		token.RefreshToken,
		token.ExpiryAt,
	).Scan(&token.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting token: %w", err)
	}
	return nil
}
