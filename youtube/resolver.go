package youtube

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var channelIDRegex = regexp.MustCompile(`^UC[a-zA-Z0-9_-]{22}$`)

// ChannelLookup is the remote side of channel resolution.
type ChannelLookup interface {
	ChannelIDByHandle(ctx context.Context, handle string) (string, error)
	ChannelIDByUsername(ctx context.Context, username string) (string, error)
}

// Resolver turns channel URLs into channel IDs.
type Resolver struct {
	lookup ChannelLookup
}

// NewResolver creates a Resolver.
func NewResolver(lookup ChannelLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// ChannelRef is a parsed channel URL.
type ChannelRef struct {
	Kind  RefKind
	Value string
}

// RefKind identifies how a channel URL names its channel.
type RefKind int

const (
	RefChannelID RefKind = iota
	RefHandle
	RefCustomName
	RefUsername
)

// ParseChannelURL classifies a channel URL without any remote calls.
//
// Accepted forms:
//
//	https://www.youtube.com/channel/UC...
//	https://www.youtube.com/@handle   (or a bare @handle)
//	https://www.youtube.com/c/name
//	https://www.youtube.com/user/name
//	UC... (a bare channel ID)
func ParseChannelURL(raw string) (ChannelRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ChannelRef{}, ErrInvalidURL
	}
	if channelIDRegex.MatchString(raw) {
		return ChannelRef{Kind: RefChannelID, Value: raw}, nil
	}
	if strings.HasPrefix(raw, "@") {
		return handleRef(strings.TrimPrefix(raw, "@"))
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ChannelRef{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !isYouTubeHost(u.Hostname()) {
		return ChannelRef{}, fmt.Errorf("%w: not a youtube.com URL", ErrInvalidURL)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return ChannelRef{}, fmt.Errorf("%w: no channel in path", ErrInvalidURL)
	}

	first := segments[0]
	switch {
	case strings.HasPrefix(first, "@"):
		return handleRef(strings.TrimPrefix(first, "@"))
	case len(segments) < 2 || segments[1] == "":
		return ChannelRef{}, fmt.Errorf("%w: unsupported channel path %q", ErrInvalidURL, u.Path)
	case first == "channel":
		if !channelIDRegex.MatchString(segments[1]) {
			return ChannelRef{}, fmt.Errorf("%w: malformed channel ID %q", ErrInvalidURL, segments[1])
		}
		return ChannelRef{Kind: RefChannelID, Value: segments[1]}, nil
	case first == "c":
		return ChannelRef{Kind: RefCustomName, Value: pathValue(segments[1])}, nil
	case first == "user":
		return ChannelRef{Kind: RefUsername, Value: pathValue(segments[1])}, nil
	}
	return ChannelRef{}, fmt.Errorf("%w: unsupported channel path %q", ErrInvalidURL, u.Path)
}

func handleRef(handle string) (ChannelRef, error) {
	handle = pathValue(strings.SplitN(handle, "/", 2)[0])
	if handle == "" {
		return ChannelRef{}, fmt.Errorf("%w: empty handle", ErrInvalidURL)
	}
	return ChannelRef{Kind: RefHandle, Value: handle}, nil
}

func pathValue(v string) string {
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func isYouTubeHost(host string) bool {
	host = strings.ToLower(host)
	return host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

// Resolve returns the channel ID named by channelURL. Channel-ID URLs need
// no remote call; handles go through search and legacy names through
// channels.list forUsername.
func (r *Resolver) Resolve(ctx context.Context, channelURL string) (string, error) {
	ref, err := ParseChannelURL(channelURL)
	if err != nil {
		return "", &ResolutionError{URL: channelURL, Err: err}
	}

	var id string
	switch ref.Kind {
	case RefChannelID:
		return ref.Value, nil
	case RefHandle:
		id, err = r.lookup.ChannelIDByHandle(ctx, ref.Value)
	case RefCustomName, RefUsername:
		id, err = r.lookup.ChannelIDByUsername(ctx, ref.Value)
	}
	if err != nil {
		return "", &ResolutionError{URL: channelURL, Err: err}
	}
	if id == "" {
		return "", &ResolutionError{URL: channelURL, Err: ErrChannelNotFound}
	}
	return id, nil
}
