// Package strava reads activities from the Strava API.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/justestif/site-sync/internal/apiclient"
	"github.com/justestif/site-sync/internal/db"
)

var (
	// ErrActivityNotFound is returned when the activity no longer exists upstream.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrMissingStartDate is returned when an activity has no usable start date.
	ErrMissingStartDate = errors.New("activity has no start date")
)

// Getter issues authenticated GET requests. *apiclient.Client implements it.
type Getter interface {
	Get(ctx context.Context, resource string) (*apiclient.Response, error)
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Activity is the subset of the detailed activity object this package reads.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SportType          string    `json:"sport_type"`
	Type               string    `json:"type"`
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
}

// Record converts the activity to its stored form.
func (a *Activity) Record(updatedAt time.Time) *db.Activity {
	sport := a.SportType
	if sport == "" {
		sport = a.Type
	}
	return &db.Activity{
		ID:             a.ID,
		Name:           a.Name,
		SportType:      sport,
		StartDate:      a.StartDate,
		DistanceM:      a.Distance,
		MovingTimeS:    a.MovingTime,
		ElapsedTimeS:   a.ElapsedTime,
		ElevationGainM: a.TotalElevationGain,
		LastUpdatedAt:  updatedAt,
	}
}

// Client is a Strava API client.
type Client struct {
	api Getter
}

// New creates a Strava client over api.
func New(api Getter) *Client {
	return &Client{api: api}
}

// GetActivity fetches one activity.
func (c *Client) GetActivity(ctx context.Context, id int64) (*Activity, error) {
	resp, err := c.api.Get(ctx, "activities/"+strconv.FormatInt(id, 10))
	if err != nil {
		return nil, fmt.Errorf("fetching activity %d: %w", id, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %d", ErrActivityNotFound, id)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetching activity %d: %w", id, &StatusError{StatusCode: resp.StatusCode})
	}

	var activity Activity
	if err := json.Unmarshal(resp.Body, &activity); err != nil {
		return nil, fmt.Errorf("decoding activity %d: %w", id, err)
	}
	if activity.ID == 0 {
		activity.ID = id
	}
	if activity.StartDate.IsZero() {
		return nil, fmt.Errorf("%w: %d", ErrMissingStartDate, id)
	}
	return &activity, nil
}
