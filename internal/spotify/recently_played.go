package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/zmb3/spotify/v2"
)

// RecentlyPlayed returns up to limit plays, newest first. When after is set
// only plays after that instant are returned.
func (c *Client) RecentlyPlayed(ctx context.Context, after *time.Time, limit int) ([]spotify.RecentlyPlayedItem, error) {
	if limit <= 0 || limit > MaxRecentWindow {
		limit = MaxRecentWindow
	}

	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if after != nil {
		params.Set("after", strconv.FormatInt(after.UnixMilli(), 10))
	}

	resp, err := c.get(ctx, "me/player/recently-played?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetching recently played: %w", err)
	}
	if !resp.OK() {
		return nil, newStatusError(resp)
	}

	var body spotify.RecentlyPlayedResult
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decoding recently played: %w", err)
	}
	return body.Items, nil
}
