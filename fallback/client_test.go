package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"ytingest/cache"
	"ytingest/quota"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, quota.Location)

func quotaErr() error {
	return &googleapi.Error{
		Code:    http.StatusForbidden,
		Message: "The request cannot be completed because you have exceeded your quota.",
		Errors:  []googleapi.ErrorItem{{Reason: "quotaExceeded", Message: "quota"}},
	}
}

// keyedOp returns an operation whose outcome depends on the API key and
// which records every key it was called with.
func keyedOp(calls *[]string, outcomes map[string]error) Operation[string] {
	return func(_ context.Context, key string) (string, error) {
		*calls = append(*calls, key)
		if err := outcomes[key]; err != nil {
			return "", err
		}
		return "value-from-" + key, nil
	}
}

type env struct {
	tracker *quota.Tracker
	cache   *cache.Cache
	clock   *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := testNow
	e := &env{clock: &now}
	e.tracker = quota.NewTracker(quota.NewMemoryStore(), quota.WithNow(func() time.Time { return *e.clock }))
	e.cache = cache.New(cache.NewMemoryStore(), cache.WithNow(func() time.Time { return *e.clock }))
	return e
}

func (e *env) client(t *testing.T, creds Credentials) *Client {
	t.Helper()
	c, err := New(creds, e.tracker, e.cache, WithNow(func() time.Time { return *e.clock }))
	require.NoError(t, err)
	return c
}

func TestNewRequiresPrimaryKey(t *testing.T) {
	_, err := New(Credentials{Backup: "B"}, quota.NewTracker(quota.NewMemoryStore()), nil)
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewRequiresTracker(t *testing.T) {
	_, err := New(Credentials{Primary: "P"}, nil, nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestFallbackToBackupOnQuota(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(t, Credentials{Primary: "P", Backup: "B"})

	var calls []string
	got, err := Execute(ctx, c, cache.OpPlaylistItemsList, map[string]string{"playlistId": "UU1"}, nil,
		keyedOp(&calls, map[string]error{"P": quotaErr()}))
	require.NoError(t, err)
	require.Equal(t, "value-from-B", got)
	require.Equal(t, []string{"P", "B"}, calls)
	require.Equal(t, StateUsingBackup, c.State())

	snap, err := c.QuotaStatus(ctx)
	require.NoError(t, err)
	require.True(t, snap.Primary.Exhausted)
	require.True(t, snap.Primary.ResetAt.Equal(quota.NextMidnight(testNow)))
	require.False(t, snap.Backup.Exhausted)
	require.Equal(t, int64(1), snap.Backup.RequestsToday)
}

func TestBackupIsSticky(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(t, Credentials{Primary: "P", Backup: "B"})

	var calls []string
	op := keyedOp(&calls, map[string]error{"P": quotaErr()})
	_, err := Execute(ctx, c, cache.OpVideosInfo, map[string]string{"id": "v1"}, nil, op)
	require.NoError(t, err)

	calls = nil
	for i := range 3 {
		_, err := Execute(ctx, c, cache.OpVideosInfo, map[string]string{"id": fmt.Sprint(i)}, nil, op)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"B", "B", "B"}, calls)
	require.Equal(t, StateUsingBackup, c.State())
}

func TestPrimaryExhaustedWithoutBackup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(t, Credentials{Primary: "P"})

	var calls []string
	_, err := Execute(ctx, c, cache.OpChannelsContentDetails, map[string]string{"channelId": "UC1"}, nil,
		keyedOp(&calls, map[string]error{"P": quotaErr()}))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrQuotaExhausted)

	var qe *QuotaExhaustedError
	require.ErrorAs(t, err, &qe)
	require.True(t, qe.ResetAt.Equal(quota.NextMidnight(testNow)))
	require.Equal(t, QuotaExhaustedErrorCode, qe.Code())
	require.Equal(t, []string{"P"}, calls)
	require.Equal(t, StateExhaustedAll, c.State())
}

func TestExhaustedClientMakesNoRemoteCalls(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(t, Credentials{Primary: "P", Backup: "B"})

	var calls []string
	op := keyedOp(&calls, map[string]error{"P": quotaErr(), "B": quotaErr()})
	_, err := Execute(ctx, c, cache.OpVideosInfo, map[string]string{"id": "a"}, nil, op)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.Equal(t, []string{"P", "B"}, calls)
	require.Equal(t, StateExhaustedAll, c.State())

	calls = nil
	_, err = Execute(ctx, c, cache.OpVideosInfo, map[string]string{"id": "b"}, nil, op)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.Empty(t, calls)
}

func TestTrackerStateSkipsExhaustedPrimary(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.tracker.RecordUsage(ctx, quota.SlotPrimary, false, true)
	require.NoError(t, err)

	c := e.client(t, Credentials{Primary: "P", Backup: "B"})
	var calls []string
	got, err := Execute(ctx, c, cache.OpVideosInfo, map[string]string{"id": "a"}, nil, keyedOp(&calls, nil))
	require.NoError(t, err)
	require.Equal(t, "value-from-B", got)
	require.Equal(t, []string{"B"}, calls)
}

func TestDualExhaustionServesStaleCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	params := map[string]any{"playlistId": "UU1", "maxResults": 50}

	warm := e.client(t, Credentials{Primary: "P", Backup: "B"})
	var calls []string
	got, err := Execute(ctx, warm, cache.OpPlaylistItemsList, params, &CacheOptions{}, keyedOp(&calls, nil))
	require.NoError(t, err)
	require.Equal(t, "value-from-P", got)

	// Past the 30 minute TTL, same day.
	*e.clock = e.clock.Add(2 * time.Hour)

	c := e.client(t, Credentials{Primary: "P", Backup: "B"})
	calls = nil
	got, err = Execute(ctx, c, cache.OpPlaylistItemsList, params, &CacheOptions{},
		keyedOp(&calls, map[string]error{"P": quotaErr(), "B": quotaErr()}))
	require.NoError(t, err)
	require.Equal(t, "value-from-P", got)
	require.Equal(t, []string{"P", "B"}, calls)
	require.Equal(t, StateExhaustedAll, c.State())

	// Nothing cached for a different playlist.
	_, err = Execute(ctx, c, cache.OpPlaylistItemsList, map[string]any{"playlistId": "UU2"}, &CacheOptions{},
		keyedOp(&calls, nil))
	require.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestFreshCacheHitSkipsRemote(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(t, Credentials{Primary: "P"})
	params := map[string]string{"channelId": "UC1"}

	var calls []string
	op := keyedOp(&calls, nil)
	_, err := Execute(ctx, c, cache.OpChannelsContentDetails, params, &CacheOptions{}, op)
	require.NoError(t, err)
	_, err = Execute(ctx, c, cache.OpChannelsContentDetails, params, &CacheOptions{}, op)
	require.NoError(t, err)
	require.Equal(t, []string{"P"}, calls)

	snap, err := c.QuotaStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Primary.RequestsToday)
}

func TestNonQuotaErrorPropagates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(t, Credentials{Primary: "P", Backup: "B"})

	notFound := &googleapi.Error{Code: http.StatusNotFound, Message: "playlist not found"}
	forbidden := &googleapi.Error{Code: http.StatusForbidden, Message: "API key not valid",
		Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}

	for _, want := range []error{notFound, forbidden, errors.New("connection reset")} {
		var calls []string
		_, err := Execute(ctx, c, cache.OpPlaylistItemsList, nil, nil, func(_ context.Context, key string) (int, error) {
			calls = append(calls, key)
			return 0, want
		})
		require.Equal(t, want, err)
		require.Equal(t, []string{"P"}, calls)
		require.Equal(t, StateUsingPrimary, c.State())
	}
}

func TestResetToPrimary(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.client(t, Credentials{Primary: "P", Backup: "B"})

	var calls []string
	op := keyedOp(&calls, map[string]error{"P": quotaErr(), "B": quotaErr()})
	_, err := Execute(ctx, c, cache.OpVideosInfo, nil, nil, op)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.Equal(t, StateExhaustedAll, c.State())
	_, ok := c.ActiveSlot()
	require.False(t, ok)

	// The next quota day.
	*e.clock = quota.NextMidnight(*e.clock).Add(time.Minute)
	c.ResetToPrimary()
	require.Equal(t, StateUsingPrimary, c.State())
	slot, ok := c.ActiveSlot()
	require.True(t, ok)
	require.Equal(t, quota.SlotPrimary, slot)

	calls = nil
	got, err := Execute(ctx, c, cache.OpVideosInfo, nil, nil, keyedOp(&calls, nil))
	require.NoError(t, err)
	require.Equal(t, "value-from-P", got)
	require.Equal(t, []string{"P"}, calls)
}

func TestIsQuotaError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"quota reason", quotaErr(), true},
		{"daily limit reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "dailyLimitExceeded"}}}, true},
		{"403 quota message", &googleapi.Error{Code: 403, Message: "Quota exceeded for quota metric"}, true},
		{"403 other", &googleapi.Error{Code: 403, Message: "Access Not Configured"}, false},
		{"429 rate limit", &googleapi.Error{Code: 429, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, false},
		{"wrapped", fmt.Errorf("listing: %w", quotaErr()), true},
		{"plain text", errors.New("googleapi: Error 403: quotaExceeded"), true},
		{"plain other", errors.New("timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsQuotaError(tt.err))
		})
	}
}

func TestQuotaExhaustedErrorJSON(t *testing.T) {
	resetAt := time.Date(2026, 4, 3, 0, 0, 0, 0, quota.Location)
	data, err := json.Marshal(&QuotaExhaustedError{Operation: cache.OpVideosInfo, ResetAt: resetAt})
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(data, &body))
	require.Equal(t, "quota_exhausted", body["error"])
	require.Equal(t, "2026-04-03T07:00:00Z", body["resetAt"])
	require.Contains(t, body["message"], "quota exhausted")
}

func TestStateString(t *testing.T) {
	require.Equal(t, "using_primary", StateUsingPrimary.String())
	require.Equal(t, "using_backup", StateUsingBackup.String())
	require.Equal(t, "exhausted_all", StateExhaustedAll.String())
}
