// Package fallback runs YouTube Data API operations against a primary key,
// cascading to a backup key when the primary's daily quota is spent and
// serving cached responses once both are gone.
//
// A Client belongs to one sync run. Its state only moves forward:
//
//	UsingPrimary -> UsingBackup -> ExhaustedAll
//
// ResetToPrimary is the single way back and is meant for the start of a new
// scheduled run.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ytingest/quota"
	"ytingest/telemetry"
)

// State is the position of a Client in its key sequence.
type State int

const (
	StateUsingPrimary State = iota
	StateUsingBackup
	StateExhaustedAll
)

func (s State) String() string {
	switch s {
	case StateUsingPrimary:
		return "using_primary"
	case StateUsingBackup:
		return "using_backup"
	case StateExhaustedAll:
		return "exhausted_all"
	default:
		return "unknown"
	}
}

// Credentials holds the API keys for one run. Backup is optional.
type Credentials struct {
	Primary string
	Backup  string
}

// HasBackup reports whether a backup key is configured.
func (c Credentials) HasBackup() bool {
	return strings.TrimSpace(c.Backup) != ""
}

// Key returns the key for slot.
func (c Credentials) Key(slot quota.Slot) string {
	if slot == quota.SlotBackup {
		return c.Backup
	}
	return c.Primary
}

// QuotaTracker is the subset of *quota.Tracker used by the client.
type QuotaTracker interface {
	Status(ctx context.Context) (quota.Snapshot, error)
	RecordUsage(ctx context.Context, slot quota.Slot, succeeded, quotaExceeded bool) (quota.Status, error)
}

// ResponseCache is the subset of *cache.Cache used by the client.
type ResponseCache interface {
	Get(ctx context.Context, op string, params any) ([]byte, bool, error)
	GetStale(ctx context.Context, op string, params any) ([]byte, bool, error)
	Set(ctx context.Context, op string, params any, payload []byte, ttl time.Duration) error
}

// CacheOptions enables caching for one Execute call. A zero TTL selects the
// operation's default.
type CacheOptions struct {
	TTL time.Duration
}

// Client executes operations with key fallback.
type Client struct {
	mu    sync.Mutex
	state State

	creds      Credentials
	tracker    QuotaTracker
	cache      ResponseCache
	isQuotaErr func(error) bool
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithQuotaClassifier replaces IsQuotaError.
func WithQuotaClassifier(fn func(error) bool) Option {
	return func(c *Client) {
		c.isQuotaErr = fn
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a Client. It fails with a *ConfigurationError when no primary
// key is configured or no tracker is given. respCache may be nil.
func New(creds Credentials, tracker QuotaTracker, respCache ResponseCache, opts ...Option) (*Client, error) {
	if strings.TrimSpace(creds.Primary) == "" {
		return nil, configErrorf("primary API key is not configured")
	}
	if tracker == nil {
		return nil, configErrorf("quota tracker is required")
	}
	c := &Client{
		state:      StateUsingPrimary,
		creds:      creds,
		tracker:    tracker,
		cache:      respCache,
		isQuotaErr: IsQuotaError,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveSlot returns the slot the next call will try first. ok is false in
// StateExhaustedAll.
func (c *Client) ActiveSlot() (slot quota.Slot, ok bool) {
	switch c.State() {
	case StateUsingPrimary:
		return quota.SlotPrimary, true
	case StateUsingBackup:
		return quota.SlotBackup, true
	}
	return "", false
}

// ResetToPrimary returns the client to StateUsingPrimary.
func (c *Client) ResetToPrimary() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUsingPrimary {
		c.logger.Info("resetting to primary key", "from", c.state)
	}
	c.state = StateUsingPrimary
}

// QuotaStatus returns the tracker state of both slots.
func (c *Client) QuotaStatus(ctx context.Context) (quota.Snapshot, error) {
	return c.tracker.Status(ctx)
}

// activeSlot advances past exhausted slots and returns the slot to use.
// ok is false once no slot remains.
func (c *Client) activeSlot(ctx context.Context) (slot quota.Slot, ok bool, err error) {
	snap, err := c.tracker.Status(ctx)
	if err != nil {
		return "", false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch c.state {
		case StateUsingPrimary:
			if !snap.Primary.Exhausted {
				return quota.SlotPrimary, true, nil
			}
			c.advanceLocked(quota.SlotPrimary)
		case StateUsingBackup:
			if !snap.Backup.Exhausted {
				return quota.SlotBackup, true, nil
			}
			c.advanceLocked(quota.SlotBackup)
		default:
			return "", false, nil
		}
	}
}

// advanceLocked moves past slot. It never moves backwards.
func (c *Client) advanceLocked(slot quota.Slot) {
	prev := c.state
	switch {
	case slot == quota.SlotPrimary && c.state == StateUsingPrimary:
		if c.creds.HasBackup() {
			c.state = StateUsingBackup
		} else {
			c.state = StateExhaustedAll
		}
	case slot == quota.SlotBackup && c.state == StateUsingBackup:
		c.state = StateExhaustedAll
	}
	if prev != c.state {
		c.logger.Warn("key fallback", "from", prev, "to", c.state)
	}
}

func (c *Client) markExhausted(slot quota.Slot) {
	c.mu.Lock()
	c.advanceLocked(slot)
	c.mu.Unlock()
}

// exhaustedError builds the error returned when no key or cache can serve op.
func (c *Client) exhaustedError(ctx context.Context, op string) error {
	resetAt := quota.NextMidnight(c.now())
	if snap, err := c.tracker.Status(ctx); err == nil {
		if earliest := snap.EarliestReset(); !earliest.IsZero() {
			resetAt = earliest
		}
	} else {
		c.logger.Warn("reading quota state", "error", err)
	}
	return &QuotaExhaustedError{Operation: op, ResetAt: resetAt}
}

func (c *Client) recordUsage(ctx context.Context, slot quota.Slot, succeeded, quotaExceeded bool) {
	if _, err := c.tracker.RecordUsage(ctx, slot, succeeded, quotaExceeded); err != nil {
		c.logger.Warn("recording quota usage", "slot", slot, "error", err)
	}
}

// Operation performs one remote call with the given API key.
type Operation[T any] func(ctx context.Context, apiKey string) (T, error)

type resultKind int

const (
	resultOK resultKind = iota
	resultQuotaExceeded
	resultFailed
)

type result[T any] struct {
	kind  resultKind
	value T
	err   error
}

// Execute runs fn under op with key fallback. params identify the request
// for caching. With cacheOpts set, a fresh cached response is returned
// without a remote call and successful responses are written through.
//
// A quota failure on the primary key is retried once on the backup key.
// When no key remains, the most recent cached response is served regardless
// of age; without one a *QuotaExhaustedError is returned. Other errors are
// returned unchanged.
func Execute[T any](ctx context.Context, c *Client, op string, params any, cacheOpts *CacheOptions, fn Operation[T]) (T, error) {
	var zero T

	if cacheOpts != nil {
		if v, ok := cachedValue[T](ctx, c, op, params, false); ok {
			return v, nil
		}
	}

	for range quota.Slots {
		slot, ok, err := c.activeSlot(ctx)
		if err != nil {
			return zero, err
		}
		if !ok {
			break
		}

		res := attempt(ctx, c, slot, op, fn)
		switch res.kind {
		case resultOK:
			if cacheOpts != nil {
				storeValue(ctx, c, op, params, cacheOpts.TTL, res.value)
			}
			return res.value, nil
		case resultQuotaExceeded:
			continue
		default:
			return zero, res.err
		}
	}

	if v, ok := cachedValue[T](ctx, c, op, params, true); ok {
		c.logger.Warn("all keys exhausted; serving cached response", "op", op)
		return v, nil
	}
	return zero, c.exhaustedError(ctx, op)
}

func attempt[T any](ctx context.Context, c *Client, slot quota.Slot, op string, fn Operation[T]) result[T] {
	v, err := fn(ctx, c.creds.Key(slot))
	switch {
	case err == nil:
		c.recordUsage(ctx, slot, true, false)
		telemetry.RecordAPICall(ctx, op, string(slot), "ok")
		return result[T]{kind: resultOK, value: v}
	case c.isQuotaErr(err):
		c.recordUsage(ctx, slot, false, true)
		c.markExhausted(slot)
		telemetry.RecordAPICall(ctx, op, string(slot), "quota_exceeded")
		telemetry.RecordQuotaExhausted(ctx, string(slot))
		c.logger.Warn("quota exceeded", "op", op, "slot", slot)
		return result[T]{kind: resultQuotaExceeded, err: err}
	default:
		if !errors.Is(err, context.Canceled) {
			c.recordUsage(ctx, slot, false, false)
		}
		telemetry.RecordAPICall(ctx, op, string(slot), "error")
		return result[T]{kind: resultFailed, err: err}
	}
}

func cachedValue[T any](ctx context.Context, c *Client, op string, params any, stale bool) (T, bool) {
	var v T
	if c.cache == nil {
		return v, false
	}
	get := c.cache.Get
	if stale {
		get = c.cache.GetStale
	}
	data, ok, err := get(ctx, op, params)
	if err != nil {
		c.logger.Warn("reading response cache", "op", op, "error", err)
		return v, false
	}
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("decoding cached response", "op", op, "error", err)
		return v, false
	}
	return v, true
}

func storeValue[T any](ctx context.Context, c *Client, op string, params any, ttl time.Duration, v T) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("encoding response for cache", "op", op, "error", err)
		return
	}
	if err := c.cache.Set(ctx, op, params, data, ttl); err != nil {
		c.logger.Warn("writing response cache", "op", op, "error", err)
	}
}
