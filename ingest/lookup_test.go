package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytingest/fallback"
	"ytingest/youtube"
)

func TestChannelInfoResolvesHandle(t *testing.T) {
	h := newHarness(t, bothKeys)
	h.api.setListing(3, "v2", "v1")

	info, err := h.engine.ChannelInfo(context.Background(), "https://www.youtube.com/@chan3")
	require.NoError(t, err)
	assert.Equal(t, channelID(3), info.ChannelID)
	assert.Equal(t, uint64(2), info.VideoCount)
	assert.Empty(t, h.runs.completed, "lookups record no run")

	// Both the handle search and the channel info are cached.
	calls := h.api.callCount()
	_, err = h.engine.ChannelInfo(context.Background(), "https://www.youtube.com/@chan3")
	require.NoError(t, err)
	assert.Equal(t, calls, h.api.callCount())
}

func TestChannelInfoFallsBackOnQuota(t *testing.T) {
	h := newHarness(t, bothKeys)
	h.api.setListing(1, "v1")
	h.api.exhausted["P"] = true

	info, err := h.engine.ChannelInfo(context.Background(), youtube.ChannelURL(channelID(1)))
	require.NoError(t, err)
	assert.Equal(t, channelID(1), info.ChannelID)

	status, err := h.engine.QuotaStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Primary.Exhausted)
	assert.Equal(t, int64(1), status.Backup.RequestsToday)
}

func TestChannelInfoNotFound(t *testing.T) {
	h := newHarness(t, bothKeys)

	_, err := h.engine.ChannelInfo(context.Background(), youtube.ChannelURL(channelID(9)))
	require.ErrorIs(t, err, youtube.ErrChannelNotFound)
}

func TestVideoInfo(t *testing.T) {
	h := newHarness(t, bothKeys)
	h.api.setListing(1, "v2", "v1")

	got, err := h.engine.VideoInfo(context.Background(), []string{"v1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].VideoID)
	assert.Equal(t, channelID(1), got[0].ChannelID)

	got, err = h.engine.VideoInfo(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, h.api.callCount(), "no IDs means no request")
}

func TestPlaylistVideos(t *testing.T) {
	h := newHarness(t, bothKeys)
	h.api.setListing(1, "v3", "v2", "v1")
	h.engine.maxItems = 2

	got, err := h.engine.PlaylistVideos(context.Background(), "UU"+channelID(1)[2:], 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v3", got[0].ExternalID)
	assert.Equal(t, "v2", got[1].ExternalID)
}

func TestLookupsNeedPrimaryKey(t *testing.T) {
	h := newHarness(t, fallback.Credentials{Backup: "B"})

	_, err := h.engine.VideoInfo(context.Background(), []string{"v1"})
	require.ErrorIs(t, err, fallback.ErrNotConfigured)
	assert.Zero(t, h.api.callCount())
}
