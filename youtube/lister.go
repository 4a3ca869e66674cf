// Package youtube talks to the YouTube Data API v3: it resolves channel
// URLs to channel IDs and lists a channel's most recent uploads. Every remote
// call runs through a fallback.Client so quota exhaustion on one key
// cascades to the next and responses are cached per operation.
package youtube

import (
	"errors"
	"fmt"
	"time"

	"ytingest/cache"
)

// Sentinel errors for channel resolution and listing.
var (
	ErrChannelNotFound = errors.New("youtube: channel not found")
	ErrInvalidURL      = errors.New("youtube: invalid URL")
	ErrNoUploads       = errors.New("youtube: channel has no uploads playlist")
	ErrVideoNotFound   = errors.New("youtube: video not found")
)

// Operation types used for quota accounting and cache keys.
const (
	OpChannelsContentDetails = cache.OpChannelsContentDetails
	OpPlaylistItemsList      = cache.OpPlaylistItemsList
	OpSearchChannelByHandle  = cache.OpSearchChannelByHandle
	OpChannelsByUsername     = cache.OpChannelsByUsername
	OpChannelsInfo           = cache.OpChannelsInfo
	OpPlaylistItemsVideos    = cache.OpPlaylistItemsVideos
	OpVideosInfo             = cache.OpVideosInfo
)

// DefaultMaxItems is the number of recent items fetched per sync.
const DefaultMaxItems = 50

// maxPageSize is the largest page the Data API returns.
const maxPageSize = 50

// RemoteItem is one upload as reported by the API.
type RemoteItem struct {
	ExternalID   string    `json:"externalId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	PublishedAt  time.Time `json:"publishedAt,omitzero"`
	CanonicalURL string    `json:"canonicalUrl"`
}

// WatchURL returns the canonical watch URL for a video ID.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// ChannelURL returns the canonical URL for a channel ID.
func ChannelURL(channelID string) string {
	return "https://www.youtube.com/channel/" + channelID
}

// ChannelDetails is the content-details view of a channel.
type ChannelDetails struct {
	ChannelID         string `json:"channelId"`
	Title             string `json:"title,omitempty"`
	UploadsPlaylistID string `json:"uploadsPlaylistId"`
}

// ChannelInfo is the descriptive view of a channel.
type ChannelInfo struct {
	ChannelID         string    `json:"channelId"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	CustomURL         string    `json:"customUrl,omitempty"`
	ThumbnailURL      string    `json:"thumbnailUrl,omitempty"`
	PublishedAt       time.Time `json:"publishedAt,omitzero"`
	SubscriberCount   uint64    `json:"subscriberCount,omitempty"`
	VideoCount        uint64    `json:"videoCount,omitempty"`
	UploadsPlaylistID string    `json:"uploadsPlaylistId,omitempty"`
}

// VideoDetails is the videos.list view of a single video.
type VideoDetails struct {
	VideoID      string    `json:"videoId"`
	ChannelID    string    `json:"channelId"`
	ChannelTitle string    `json:"channelTitle,omitempty"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	PublishedAt  time.Time `json:"publishedAt,omitzero"`
	Duration     string    `json:"duration,omitempty"`
	ViewCount    uint64    `json:"viewCount,omitempty"`
}

// PlaylistPage is one page of playlistItems.list.
type PlaylistPage struct {
	Items         []RemoteItem `json:"items"`
	NextPageToken string       `json:"nextPageToken,omitempty"`
}

// ResolutionError reports a channel URL that could not be turned into a
// channel ID.
type ResolutionError struct {
	URL string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("youtube: resolve %q: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
