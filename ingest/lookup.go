package ingest

import (
	"context"
	"fmt"

	"ytingest/youtube"
)

// The lookups below run outside any sync and record no run. Each one uses
// its own fallback.Client, so it spends quota and uses the cache exactly
// like a sync would.

// ChannelInfo resolves channelURL and returns the channel's metadata.
func (e *Engine) ChannelInfo(ctx context.Context, channelURL string) (youtube.ChannelInfo, error) {
	yt, err := e.newClient(ctx)
	if err != nil {
		return youtube.ChannelInfo{}, err
	}
	channelID, err := youtube.NewResolver(yt).Resolve(ctx, channelURL)
	if err != nil {
		return youtube.ChannelInfo{}, err
	}
	info, err := yt.ChannelInfo(ctx, channelID)
	if err != nil {
		return youtube.ChannelInfo{}, fmt.Errorf("channel info for %s: %w", channelID, err)
	}
	return info, nil
}

// VideoInfo returns details for videoIDs. Unknown IDs are left out of the
// result.
func (e *Engine) VideoInfo(ctx context.Context, videoIDs []string) ([]youtube.VideoDetails, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}
	yt, err := e.newClient(ctx)
	if err != nil {
		return nil, err
	}
	return yt.VideoInfo(ctx, videoIDs)
}

// PlaylistVideos returns up to maxItems entries of playlistID in playlist
// order. A non-positive maxItems uses the engine's item limit.
func (e *Engine) PlaylistVideos(ctx context.Context, playlistID string, maxItems int) ([]youtube.RemoteItem, error) {
	if maxItems <= 0 {
		maxItems = e.maxItems
	}
	yt, err := e.newClient(ctx)
	if err != nil {
		return nil, err
	}
	return yt.PlaylistVideos(ctx, playlistID, maxItems)
}
