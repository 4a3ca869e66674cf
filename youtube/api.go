package youtube

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"ytingest/internal/transport"
)

// DataAPI is the set of raw Data API calls, each made with an explicit key.
// *API implements it against the live service.
type DataAPI interface {
	ChannelDetails(ctx context.Context, apiKey, channelID string) (ChannelDetails, error)
	PlaylistPage(ctx context.Context, apiKey, playlistID, pageToken string, pageSize int64) (PlaylistPage, error)
	SearchChannelByHandle(ctx context.Context, apiKey, handle string) (string, error)
	ChannelByUsername(ctx context.Context, apiKey, username string) (string, error)
	ChannelInfo(ctx context.Context, apiKey, channelID string) (ChannelInfo, error)
	VideoInfo(ctx context.Context, apiKey string, videoIDs []string) ([]VideoDetails, error)
}

// API implements DataAPI with google.golang.org/api/youtube/v3. One
// *youtube.Service is kept per key; the key travels as a query parameter
// added by the transport.
type API struct {
	mu       sync.Mutex
	services map[string]*youtube.Service

	endpoint  string
	base      http.RoundTripper
	limiter   *transport.RateLimiter
	breaker   *transport.CircuitBreaker
	userAgent string
	timeout   time.Duration
}

// APIOption configures an API.
type APIOption func(*API)

// WithEndpoint overrides the Data API base URL, e.g. for tests.
func WithEndpoint(endpoint string) APIOption {
	return func(a *API) {
		a.endpoint = endpoint
	}
}

// WithBaseTransport sets the underlying round tripper.
func WithBaseTransport(rt http.RoundTripper) APIOption {
	return func(a *API) {
		a.base = rt
	}
}

// WithRateLimiter paces requests through rl.
func WithRateLimiter(rl *transport.RateLimiter) APIOption {
	return func(a *API) {
		a.limiter = rl
	}
}

// WithCircuitBreaker fails requests fast while the API host keeps erroring.
func WithCircuitBreaker(cb *transport.CircuitBreaker) APIOption {
	return func(a *API) {
		a.breaker = cb
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) APIOption {
	return func(a *API) {
		a.userAgent = ua
	}
}

// WithRequestTimeout bounds each HTTP exchange.
func WithRequestTimeout(d time.Duration) APIOption {
	return func(a *API) {
		a.timeout = d
	}
}

// NewAPI creates an API.
func NewAPI(opts ...APIOption) *API {
	a := &API{
		services: make(map[string]*youtube.Service),
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// service returns the service bound to apiKey, creating it on first use.
func (a *API) service(ctx context.Context, apiKey string) (*youtube.Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("youtube: empty API key")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if svc, ok := a.services[apiKey]; ok {
		return svc, nil
	}

	client := &http.Client{
		Timeout: a.timeout,
		Transport: &transport.KeyTransport{
			Base:      a.base,
			APIKey:    apiKey,
			Limiter:   a.limiter,
			Breaker:   a.breaker,
			UserAgent: a.userAgent,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	a.services[apiKey] = svc
	return svc, nil
}

// ChannelDetails fetches the uploads playlist of a channel.
func (a *API) ChannelDetails(ctx context.Context, apiKey, channelID string) (ChannelDetails, error) {
	svc, err := a.service(ctx, apiKey)
	if err != nil {
		return ChannelDetails{}, err
	}
	resp, err := svc.Channels.List([]string{"contentDetails", "snippet"}).
		Id(channelID).
		Context(ctx).
		Do()
	if err != nil {
		return ChannelDetails{}, err
	}
	if len(resp.Items) == 0 {
		return ChannelDetails{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	ch := resp.Items[0]
	out := ChannelDetails{ChannelID: ch.Id}
	if ch.Snippet != nil {
		out.Title = ch.Snippet.Title
	}
	if ch.ContentDetails != nil && ch.ContentDetails.RelatedPlaylists != nil {
		out.UploadsPlaylistID = ch.ContentDetails.RelatedPlaylists.Uploads
	}
	if out.UploadsPlaylistID == "" {
		return ChannelDetails{}, fmt.Errorf("%w: %s", ErrNoUploads, channelID)
	}
	return out, nil
}

// PlaylistPage fetches one page of a playlist in playlist order.
func (a *API) PlaylistPage(ctx context.Context, apiKey, playlistID, pageToken string, pageSize int64) (PlaylistPage, error) {
	svc, err := a.service(ctx, apiKey)
	if err != nil {
		return PlaylistPage{}, err
	}
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	call := svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(playlistID).
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return PlaylistPage{}, err
	}

	page := PlaylistPage{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		if ri, ok := remoteItemFromPlaylistItem(item); ok {
			page.Items = append(page.Items, ri)
		}
	}
	return page, nil
}

// SearchChannelByHandle returns the first channel the search API matches
// for handle. Search is fuzzy, so the top hit is not guaranteed to be the
// owner of the handle.
func (a *API) SearchChannelByHandle(ctx context.Context, apiKey, handle string) (string, error) {
	svc, err := a.service(ctx, apiKey)
	if err != nil {
		return "", err
	}
	resp, err := svc.Search.List([]string{"snippet"}).
		Q(handle).
		Type("channel").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	for _, item := range resp.Items {
		if item.Id != nil && item.Id.ChannelId != "" {
			return item.Id.ChannelId, nil
		}
		if item.Snippet != nil && item.Snippet.ChannelId != "" {
			return item.Snippet.ChannelId, nil
		}
	}
	return "", fmt.Errorf("%w: @%s", ErrChannelNotFound, handle)
}

// ChannelByUsername resolves a legacy username or custom name.
func (a *API) ChannelByUsername(ctx context.Context, apiKey, username string) (string, error) {
	svc, err := a.service(ctx, apiKey)
	if err != nil {
		return "", err
	}
	resp, err := svc.Channels.List([]string{"id"}).
		ForUsername(username).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == "" {
		return "", fmt.Errorf("%w: %s", ErrChannelNotFound, username)
	}
	return resp.Items[0].Id, nil
}

// ChannelInfo fetches descriptive metadata for a channel.
func (a *API) ChannelInfo(ctx context.Context, apiKey, channelID string) (ChannelInfo, error) {
	svc, err := a.service(ctx, apiKey)
	if err != nil {
		return ChannelInfo{}, err
	}
	resp, err := svc.Channels.List([]string{"snippet", "statistics", "contentDetails"}).
		Id(channelID).
		Context(ctx).
		Do()
	if err != nil {
		return ChannelInfo{}, err
	}
	if len(resp.Items) == 0 {
		return ChannelInfo{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	ch := resp.Items[0]
	info := ChannelInfo{ChannelID: ch.Id}
	if s := ch.Snippet; s != nil {
		info.Title = s.Title
		info.Description = s.Description
		info.CustomURL = s.CustomUrl
		info.ThumbnailURL = bestThumbnail(s.Thumbnails)
		info.PublishedAt = parseTime(s.PublishedAt)
	}
	if st := ch.Statistics; st != nil {
		info.SubscriberCount = st.SubscriberCount
		info.VideoCount = st.VideoCount
	}
	if cd := ch.ContentDetails; cd != nil && cd.RelatedPlaylists != nil {
		info.UploadsPlaylistID = cd.RelatedPlaylists.Uploads
	}
	return info, nil
}

// VideoInfo fetches details for up to 50 videos.
func (a *API) VideoInfo(ctx context.Context, apiKey string, videoIDs []string) ([]VideoDetails, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}
	if len(videoIDs) > maxPageSize {
		return nil, fmt.Errorf("youtube: at most %d video IDs per request, got %d", maxPageSize, len(videoIDs))
	}
	svc, err := a.service(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Videos.List([]string{"snippet", "contentDetails", "statistics"}).
		Id(videoIDs...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	out := make([]VideoDetails, 0, len(resp.Items))
	for _, v := range resp.Items {
		d := VideoDetails{VideoID: v.Id}
		if s := v.Snippet; s != nil {
			d.ChannelID = s.ChannelId
			d.ChannelTitle = s.ChannelTitle
			d.Title = s.Title
			d.Description = s.Description
			d.ThumbnailURL = bestThumbnail(s.Thumbnails)
			d.PublishedAt = parseTime(s.PublishedAt)
		}
		if v.ContentDetails != nil {
			d.Duration = v.ContentDetails.Duration
		}
		if v.Statistics != nil {
			d.ViewCount = v.Statistics.ViewCount
		}
		out = append(out, d)
	}
	return out, nil
}

func remoteItemFromPlaylistItem(item *youtube.PlaylistItem) (RemoteItem, bool) {
	var ri RemoteItem
	if item.ContentDetails != nil {
		ri.ExternalID = item.ContentDetails.VideoId
		ri.PublishedAt = parseTime(item.ContentDetails.VideoPublishedAt)
	}
	if s := item.Snippet; s != nil {
		if ri.ExternalID == "" && s.ResourceId != nil {
			ri.ExternalID = s.ResourceId.VideoId
		}
		ri.Title = s.Title
		ri.Description = s.Description
		ri.ThumbnailURL = bestThumbnail(s.Thumbnails)
		if ri.PublishedAt.IsZero() {
			ri.PublishedAt = parseTime(s.PublishedAt)
		}
	}
	if ri.ExternalID == "" {
		return RemoteItem{}, false
	}
	ri.CanonicalURL = WatchURL(ri.ExternalID)
	return ri, true
}

func bestThumbnail(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*youtube.Thumbnail{t.Maxres, t.High, t.Medium, t.Standard, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
