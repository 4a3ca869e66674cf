package youtube

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testChannelID = "UCuAXFkgsw1L7xaCfnd5JJOw"
	testUploadsID = "UUuAXFkgsw1L7xaCfnd5JJOw"
)

// fakeDataAPI emulates the subset of the Data API v3 JSON surface used by
// this package. Keys listed in exhausted answer every call with a 403
// quotaExceeded error.
type fakeDataAPI struct {
	t *testing.T

	mu        sync.Mutex
	videos    int // uploads in the test channel, newest first
	exhausted map[string]bool
	handles   map[string]string
	usernames map[string]string
	requests  []fakeRequest
}

type fakeRequest struct {
	Path  string
	Key   string
	Query string
}

func newFakeDataAPI(t *testing.T, videos int) (*fakeDataAPI, *httptest.Server) {
	f := &fakeDataAPI{
		t:         t,
		videos:    videos,
		exhausted: make(map[string]bool),
		handles:   map[string]string{"googledevelopers": testChannelID},
		usernames: map[string]string{"GoogleDevelopers": testChannelID},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDataAPI) exhaust(key string) {
	f.mu.Lock()
	f.exhausted[key] = true
	f.mu.Unlock()
}

func (f *fakeDataAPI) calls(path string) []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeRequest
	for _, r := range f.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func videoID(i int) string {
	return fmt.Sprintf("vid%08d", i)
}

// publishedAt returns a timestamp that decreases with i, so item 0 is newest.
func publishedAt(i int) string {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Duration(i) * time.Hour).Format(time.RFC3339)
}

func (f *fakeDataAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")

	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{Path: r.URL.Path, Key: key, Query: r.URL.RawQuery})
	exhausted := f.exhausted[key]
	f.mu.Unlock()

	if exhausted {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": map[string]any{
				"code":    403,
				"message": "The request cannot be completed because you have exceeded your quota.",
				"errors": []map[string]string{{
					"message": "The request cannot be completed because you have exceeded your quota.",
					"domain":  "youtube.quota",
					"reason":  "quotaExceeded",
				}},
			},
		})
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/youtube/v3/") {
	case "channels":
		f.serveChannels(w, q)
	case "search":
		f.serveSearch(w, q)
	case "playlistItems":
		f.servePlaylistItems(w, q)
	case "videos":
		f.serveVideos(w, q)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDataAPI) serveChannels(w http.ResponseWriter, q map[string][]string) {
	id := first(q["id"])
	if u := first(q["forUsername"]); u != "" {
		id = f.usernames[u]
	}
	if id != testChannelID {
		writeJSON(w, http.StatusOK, map[string]any{"kind": "youtube#channelListResponse", "items": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind": "youtube#channelListResponse",
		"items": []map[string]any{{
			"id": testChannelID,
			"snippet": map[string]any{
				"title":       "Google for Developers",
				"description": "Developer channel",
				"customUrl":   "@googledevelopers",
				"publishedAt": "2007-08-23T00:34:43Z",
				"thumbnails":  map[string]any{"high": map[string]string{"url": "https://yt3.example/high.jpg"}},
			},
			"contentDetails": map[string]any{"relatedPlaylists": map[string]string{"uploads": testUploadsID}},
			"statistics":     map[string]string{"subscriberCount": "2500000", "videoCount": strconv.Itoa(f.videos)},
		}},
	})
}

func (f *fakeDataAPI) serveSearch(w http.ResponseWriter, q map[string][]string) {
	var items []map[string]any
	if id, ok := f.handles[strings.ToLower(first(q["q"]))]; ok {
		items = append(items, map[string]any{
			"kind": "youtube#searchResult",
			"id":   map[string]string{"kind": "youtube#channel", "channelId": id},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": "youtube#searchListResponse", "items": items})
}

func (f *fakeDataAPI) servePlaylistItems(w http.ResponseWriter, q map[string][]string) {
	if first(q["playlistId"]) != testUploadsID {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]any{"code": 404, "message": "playlist not found",
				"errors": []map[string]string{{"reason": "playlistNotFound"}}},
		})
		return
	}
	size, _ := strconv.Atoi(first(q["maxResults"]))
	if size <= 0 {
		size = 5
	}
	start, _ := strconv.Atoi(strings.TrimPrefix(first(q["pageToken"]), "p"))
	end := min(start+size, f.videos)

	items := make([]map[string]any, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, map[string]any{
			"kind": "youtube#playlistItem",
			"snippet": map[string]any{
				"title":       fmt.Sprintf("Video %d", i),
				"description": "desc",
				"publishedAt": publishedAt(i),
				"resourceId":  map[string]string{"kind": "youtube#video", "videoId": videoID(i)},
				"thumbnails":  map[string]any{"default": map[string]string{"url": "https://i.example/" + videoID(i) + ".jpg"}},
			},
			"contentDetails": map[string]string{"videoId": videoID(i), "videoPublishedAt": publishedAt(i)},
		})
	}
	resp := map[string]any{"kind": "youtube#playlistItemListResponse", "items": items}
	if end < f.videos {
		resp["nextPageToken"] = "p" + strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeDataAPI) serveVideos(w http.ResponseWriter, q map[string][]string) {
	var items []map[string]any
	for _, idList := range q["id"] {
		for _, id := range strings.Split(idList, ",") {
			items = append(items, map[string]any{
				"id": id,
				"snippet": map[string]any{
					"channelId":    testChannelID,
					"channelTitle": "Google for Developers",
					"title":        "Title " + id,
					"publishedAt":  publishedAt(0),
				},
				"contentDetails": map[string]string{"duration": "PT4M13S"},
				"statistics":     map[string]string{"viewCount": "1234"},
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": "youtube#videoListResponse", "items": items})
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
