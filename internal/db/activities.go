package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityRepository handles fitness activity storage.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

// LastUpdatedAt returns when the activity was last written, or nil when it is not stored.
func (r *ActivityRepository) LastUpdatedAt(ctx context.Context, id int64) (*time.Time, error) {
	var updatedAt time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT last_updated_at FROM strava_activities WHERE id = $1`, id,
	).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying activity update time: %w", err)
	}
	return &updatedAt, nil
}

// Get retrieves an activity by ID.
func (r *ActivityRepository) Get(ctx context.Context, id int64) (*Activity, error) {
	query := `
		SELECT id, name, sport_type, start_date, distance_m, moving_time_s,
			elapsed_time_s, elevation_gain_m, last_updated_at
		FROM strava_activities
		WHERE id = $1
	`
	var a Activity
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.Name,
		&a.SportType,
		&a.StartDate,
		&a.DistanceM,
		&a.MovingTimeS,
		&a.ElapsedTimeS,
		&a.ElevationGainM,
		&a.LastUpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	return &a, nil
}

// Upsert creates or updates an activity in place.
func (r *ActivityRepository) Upsert(ctx context.Context, a *Activity) error {
	query := `
		INSERT INTO strava_activities (id, name, sport_type, start_date, distance_m, moving_time_s,
			elapsed_time_s, elevation_gain_m, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			sport_type = EXCLUDED.sport_type,
			start_date = EXCLUDED.start_date,
			distance_m = EXCLUDED.distance_m,
			moving_time_s = EXCLUDED.moving_time_s,
			elapsed_time_s = EXCLUDED.elapsed_time_s,
			elevation_gain_m = EXCLUDED.elevation_gain_m,
			last_updated_at = EXCLUDED.last_updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		a.Name,
		a.SportType,
		a.StartDate,
		a.DistanceM,
		a.MovingTimeS,
		a.ElapsedTimeS,
		a.ElevationGainM,
		a.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting activity: %w", err)
	}
	return nil
}

// Delete removes an activity. It reports whether a row existed.
func (r *ActivityRepository) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM strava_activities WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting activity: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
