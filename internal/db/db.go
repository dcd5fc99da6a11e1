// Package db provides PostgreSQL storage for provider tokens, listening and activity
// history, the track metadata cache and pending OAuth states.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Migrate creates any missing tables and indexes. It is safe to run on every start.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Pool returns the underlying connection pool for advanced operations.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Tokens returns a TokenRepository.
func (db *DB) Tokens() *TokenRepository {
	return &TokenRepository{pool: db.pool}
}

// Plays returns a PlayRepository.
func (db *DB) Plays() *PlayRepository {
	return &PlayRepository{pool: db.pool}
}

// Tracks returns a TrackRepository.
func (db *DB) Tracks() *TrackRepository {
	return &TrackRepository{pool: db.pool}
}

// Activities returns an ActivityRepository.
func (db *DB) Activities() *ActivityRepository {
	return &ActivityRepository{pool: db.pool}
}

// OAuthStates returns an OAuthStateRepository.
func (db *DB) OAuthStates() *OAuthStateRepository {
	return &OAuthStateRepository{pool: db.pool}
}
