package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/db"
	"github.com/justestif/site-sync/internal/logger"
)

// Mode selects the metadata endpoint.
type Mode string

// Fetch modes. The bulk endpoint is deprecated upstream, so only imports use it.
const (
	ModeBatch  Mode = "batch"
	ModeSingle Mode = "single"
)

// FetchError records IDs that could not be resolved. Batch failures share
// one FetchError for the whole chunk.
type FetchError struct {
	IDs    []string
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", strings.Join(e.IDs, ","), e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchResult maps requested IDs to metadata. IDs that failed appear in
// Errors instead; callers must not assume every requested ID is present.
type FetchResult struct {
	Metadata map[string]db.TrackMetadata
	Errors   []FetchError
}

// FailedIDs returns every ID recorded in Errors.
func (r *FetchResult) FailedIDs() []string {
	var ids []string
	for _, e := range r.Errors {
		ids = append(ids, e.IDs...)
	}
	return ids
}

func newFetchResult(n int) *FetchResult {
	return &FetchResult{Metadata: make(map[string]db.TrackMetadata, n)}
}

func (r *FetchResult) fail(ids []string, err error) {
	r.Errors = append(r.Errors, FetchError{IDs: ids, Reason: err.Error(), Err: err})
}

// FetchTracks resolves ids with the given mode.
func (c *Client) FetchTracks(ctx context.Context, ids []string, mode Mode) (*FetchResult, error) {
	switch mode {
	case ModeBatch:
		return c.FetchTracksBatch(ctx, ids)
	case ModeSingle:
		return c.FetchTracksSingle(ctx, ids)
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", mode)
	}
}

// FetchTracksBatch resolves ids through the bulk tracks endpoint, one chunk at
// a time with BatchDelay between chunks. Only context cancellation is returned
// as an error; everything else is recorded per ID.
func (c *Client) FetchTracksBatch(ctx context.Context, ids []string) (*FetchResult, error) {
	ids = dedupe(ids)
	result := newFetchResult(len(ids))
	total := len(ids)

	for start := 0; start < total; start += c.cfg.BatchSize {
		if start > 0 {
			if err := sleepContext(ctx, c.cfg.BatchDelay); err != nil {
				return result, err
			}
		}

		end := min(start+c.cfg.BatchSize, total)
		chunk := ids[start:end]

		logger.DebugCtx(ctx, "Fetching track batch",
			zap.Int("from", start+1),
			zap.Int("to", end),
			zap.Int("total", total),
		)

		if err := c.fetchChunk(ctx, chunk, result); err != nil {
			return result, err
		}
	}

	if len(result.Errors) > 0 {
		logger.WarnCtx(ctx, "Some tracks could not be resolved",
			zap.Int("resolved", len(result.Metadata)),
			zap.Int("failed", len(result.FailedIDs())),
		)
	}
	return result, nil
}

func (c *Client) fetchChunk(ctx context.Context, chunk []string, result *FetchResult) error {
	resp, err := c.get(ctx, "tracks?ids="+url.QueryEscape(strings.Join(chunk, ",")))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.fail(chunk, err)
		return nil
	}
	if !resp.OK() {
		result.fail(chunk, newStatusError(resp))
		return nil
	}

	var body tracksResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.Tracks == nil {
		if err == nil {
			err = errors.New("response has no tracks array")
		}
		result.fail(chunk, fmt.Errorf("decoding tracks response: %w", err))
		return nil
	}

	requested := make(map[string]bool, len(chunk))
	for _, id := range chunk {
		requested[id] = true
	}

	resolved := make(map[string]bool, len(chunk))
	for i, track := range body.Tracks {
		if track == nil {
			// The API returns null for unknown or unavailable IDs, in request order.
			if i < len(chunk) && !resolved[chunk[i]] {
				resolved[chunk[i]] = true
				result.fail([]string{chunk[i]}, ErrNotFound)
			}
			continue
		}

		id := matchRequestedID(track, requested)
		if id == "" && i < len(chunk) {
			id = chunk[i]
		}
		if id == "" || resolved[id] {
			continue
		}
		resolved[id] = true
		result.Metadata[id] = fullTrackMetadata(id, track)
	}

	for _, id := range chunk {
		if !resolved[id] {
			result.fail([]string{id}, errors.New("missing from response"))
		}
	}
	return nil
}

// FetchTracksSingle resolves ids one request at a time with SingleDelay
// between requests. Only context cancellation is returned as an error.
func (c *Client) FetchTracksSingle(ctx context.Context, ids []string) (*FetchResult, error) {
	ids = dedupe(ids)
	result := newFetchResult(len(ids))

	for i, id := range ids {
		if i > 0 {
			if err := sleepContext(ctx, c.cfg.SingleDelay); err != nil {
				return result, err
			}
		}

		track, err := c.fetchOne(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.fail([]string{id}, err)
			continue
		}
		result.Metadata[id] = fullTrackMetadata(id, track)
	}

	if len(result.Errors) > 0 {
		logger.WarnCtx(ctx, "Some tracks could not be resolved",
			zap.Int("resolved", len(result.Metadata)),
			zap.Int("failed", len(result.Errors)),
		)
	}
	return result, nil
}

func (c *Client) fetchOne(ctx context.Context, id string) (*spotify.FullTrack, error) {
	resp, err := c.get(ctx, "tracks/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if !resp.OK() {
		return nil, newStatusError(resp)
	}

	var track spotify.FullTrack
	if err := json.Unmarshal(resp.Body, &track); err != nil {
		return nil, fmt.Errorf("decoding track: %w", err)
	}
	if track.ID == "" {
		return nil, errors.New("track response has no id")
	}
	return &track, nil
}

// matchRequestedID maps a response track back to the ID that was asked for.
// The track's own URI wins over its id field; a relinked track may also name
// the requested ID in linked_from.
func matchRequestedID(track *spotify.FullTrack, requested map[string]bool) string {
	var candidates []string
	if id, err := ParseTrackURI(string(track.URI)); err == nil {
		candidates = append(candidates, id.String())
	}
	if track.LinkedFrom != nil {
		if id, err := ParseTrackURI(track.LinkedFrom.URI); err == nil {
			candidates = append(candidates, id.String())
		}
		candidates = append(candidates, string(track.LinkedFrom.ID))
	}
	candidates = append(candidates, string(track.ID))

	for _, id := range candidates {
		if requested[id] {
			return id
		}
	}
	return ""
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
