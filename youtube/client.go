package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"ytingest/fallback"
)

// Client runs DataAPI calls through a fallback.Client. Each method maps to
// one operation type and is cached with that operation's time to live.
type Client struct {
	api    DataAPI
	fc     *fallback.Client
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client.
func NewClient(api DataAPI, fc *fallback.Client, opts ...ClientOption) *Client {
	c := &Client{
		api:    api,
		fc:     fc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fallback returns the underlying fallback client.
func (c *Client) Fallback() *fallback.Client {
	return c.fc
}

var cached = &fallback.CacheOptions{}

// ChannelDetails returns the uploads playlist of channelID.
func (c *Client) ChannelDetails(ctx context.Context, channelID string) (ChannelDetails, error) {
	params := map[string]string{"channelId": channelID}
	return fallback.Execute(ctx, c.fc, OpChannelsContentDetails, params, cached,
		func(ctx context.Context, key string) (ChannelDetails, error) {
			return c.api.ChannelDetails(ctx, key, channelID)
		})
}

// PlaylistPage returns one page of playlistID.
func (c *Client) PlaylistPage(ctx context.Context, playlistID, pageToken string, pageSize int64) (PlaylistPage, error) {
	params := map[string]any{"playlistId": playlistID, "pageToken": pageToken, "maxResults": pageSize}
	return fallback.Execute(ctx, c.fc, OpPlaylistItemsList, params, cached,
		func(ctx context.Context, key string) (PlaylistPage, error) {
			return c.api.PlaylistPage(ctx, key, playlistID, pageToken, pageSize)
		})
}

// ChannelIDByHandle resolves @handle through the search API.
func (c *Client) ChannelIDByHandle(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	params := map[string]string{"handle": strings.ToLower(handle)}
	return fallback.Execute(ctx, c.fc, OpSearchChannelByHandle, params, cached,
		func(ctx context.Context, key string) (string, error) {
			return c.api.SearchChannelByHandle(ctx, key, handle)
		})
}

// ChannelIDByUsername resolves a legacy username or custom name.
func (c *Client) ChannelIDByUsername(ctx context.Context, username string) (string, error) {
	params := map[string]string{"username": username}
	return fallback.Execute(ctx, c.fc, OpChannelsByUsername, params, cached,
		func(ctx context.Context, key string) (string, error) {
			return c.api.ChannelByUsername(ctx, key, username)
		})
}

// ChannelInfo returns descriptive metadata for channelID.
func (c *Client) ChannelInfo(ctx context.Context, channelID string) (ChannelInfo, error) {
	params := map[string]string{"channelId": channelID}
	return fallback.Execute(ctx, c.fc, OpChannelsInfo, params, cached,
		func(ctx context.Context, key string) (ChannelInfo, error) {
			return c.api.ChannelInfo(ctx, key, channelID)
		})
}

// VideoInfo returns details for videoIDs, fetched in batches of 50.
func (c *Client) VideoInfo(ctx context.Context, videoIDs []string) ([]VideoDetails, error) {
	var out []VideoDetails
	for batch := range slices.Chunk(videoIDs, maxPageSize) {
		ids := slices.Clone(batch)
		params := map[string]any{"ids": ids}
		details, err := fallback.Execute(ctx, c.fc, OpVideosInfo, params, cached,
			func(ctx context.Context, key string) ([]VideoDetails, error) {
				return c.api.VideoInfo(ctx, key, ids)
			})
		if err != nil {
			return out, err
		}
		out = append(out, details...)
	}
	return out, nil
}

// PlaylistVideos returns up to maxItems entries of playlistID, cached as a
// whole under playlistItems.videos.
func (c *Client) PlaylistVideos(ctx context.Context, playlistID string, maxItems int) ([]RemoteItem, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	params := map[string]any{"playlistId": playlistID, "maxItems": maxItems}
	return fallback.Execute(ctx, c.fc, OpPlaylistItemsVideos, params, cached,
		func(ctx context.Context, key string) ([]RemoteItem, error) {
			return collectPages(maxItems, func(token string, size int64) (PlaylistPage, error) {
				return c.api.PlaylistPage(ctx, key, playlistID, token, size)
			})
		})
}

// RecentItems returns up to maxItems of a channel's most recent uploads,
// newest first. Pages are fetched through playlistItems.list one at a time.
func (c *Client) RecentItems(ctx context.Context, channelID string, maxItems int) ([]RemoteItem, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	details, err := c.ChannelDetails(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("uploads playlist for %s: %w", channelID, err)
	}
	items, err := collectPages(maxItems, func(token string, size int64) (PlaylistPage, error) {
		return c.PlaylistPage(ctx, details.UploadsPlaylistID, token, size)
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", details.UploadsPlaylistID, err)
	}
	sortNewestFirst(items)
	c.logger.Debug("listed recent items", "channel", channelID, "count", len(items))
	return items, nil
}

// collectPages follows page tokens until maxItems items are gathered or
// the playlist ends.
func collectPages(maxItems int, fetch func(token string, size int64) (PlaylistPage, error)) ([]RemoteItem, error) {
	var (
		items []RemoteItem
		token string
	)
	for len(items) < maxItems {
		size := int64(min(maxItems-len(items), maxPageSize))
		page, err := fetch(token, size)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.NextPageToken == "" || page.NextPageToken == token {
			break
		}
		token = page.NextPageToken
	}
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// sortNewestFirst orders items by publish time, keeping playlist order for
// ties. Playlist order is kept as is when any item lacks a timestamp.
func sortNewestFirst(items []RemoteItem) {
	for _, it := range items {
		if it.PublishedAt.IsZero() {
			return
		}
	}
	slices.SortStableFunc(items, func(a, b RemoteItem) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
}
