// Package cache stores remote API responses keyed by operation and
// parameters, each with an operation-specific time to live.
//
// Fresh entries short-circuit remote calls. Expired entries are kept until
// pruned so they can still be served when every credential is out of quota.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"ytingest/telemetry"
)

// Operation types. These strings are persisted as part of cache keys and
// must not change.
const (
	OpChannelsContentDetails = "channels.contentDetails"
	OpPlaylistItemsList      = "playlistItems.list"
	OpSearchChannelByHandle  = "search.channelByHandle"
	OpChannelsByUsername     = "channels.byUsername"
	OpChannelsInfo           = "channels.info"
	OpPlaylistItemsVideos    = "playlistItems.videos"
	OpVideosInfo             = "videos.info"
)

// DefaultTTL applies to operations without an entry in DefaultTTLs.
const DefaultTTL = 1 * time.Hour

// DefaultTTLs maps operation types to their time to live.
var DefaultTTLs = map[string]time.Duration{
	OpChannelsContentDetails: 24 * time.Hour,
	OpSearchChannelByHandle:  24 * time.Hour,
	OpChannelsByUsername:     24 * time.Hour,
	OpChannelsInfo:           24 * time.Hour,
	OpVideosInfo:             24 * time.Hour,
	OpPlaylistItemsVideos:    2 * time.Hour,
	OpPlaylistItemsList:      30 * time.Minute,
}

// TTLFor returns the default time to live for op.
func TTLFor(op string) time.Duration {
	if ttl, ok := DefaultTTLs[op]; ok {
		return ttl
	}
	return DefaultTTL
}

// ErrStoreClosed is returned when a store is used after Close.
var ErrStoreClosed = errors.New("cache: store closed")

// Entry is a cached response.
type Entry struct {
	Key            string
	Operation      string
	Payload        []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
}

// Fresh reports whether the entry has not yet expired at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store persists entries. Put replaces any existing entry with the same key.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Touch(ctx context.Context, key string, at time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Key derives the cache key for op and params. Params are encoded as JSON
// with object keys sorted at every level, so logically equal parameter sets
// produce the same key regardless of map iteration or struct field order.
func Key(op string, params any) (string, error) {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("encoding params for %s: %w", op, err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(op))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	return op + ":" + fmt.Sprintf("%x", h.Sum(nil)), nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	return json.Marshal(generic)
}

// Cache is the response cache used by the fallback client.
type Cache struct {
	store  Store
	ttls   map[string]time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithTTL overrides the time to live for a single operation.
func WithTTL(op string, ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttls[op] = ttl
	}
}

// New creates a Cache on top of store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttls:   make(map[string]time.Duration, len(DefaultTTLs)),
		logger: slog.Default(),
		now:    time.Now,
	}
	for op, ttl := range DefaultTTLs {
		c.ttls[op] = ttl
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured time to live for op.
func (c *Cache) TTL(op string) time.Duration {
	if ttl, ok := c.ttls[op]; ok {
		return ttl
	}
	return DefaultTTL
}

// Get returns the payload cached for op and params when it has not expired.
func (c *Cache) Get(ctx context.Context, op string, params any) ([]byte, bool, error) {
	return c.lookup(ctx, op, params, false)
}

// GetStale returns the payload cached for op and params regardless of
// expiry. It backs the last-resort path when no credential has quota left.
func (c *Cache) GetStale(ctx context.Context, op string, params any) ([]byte, bool, error) {
	return c.lookup(ctx, op, params, true)
}

func (c *Cache) lookup(ctx context.Context, op string, params any, allowStale bool) ([]byte, bool, error) {
	key, err := Key(op, params)
	if err != nil {
		return nil, false, err
	}
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	now := c.now()
	switch {
	case !ok:
		telemetry.RecordCacheLookup(ctx, op, "miss")
		return nil, false, nil
	case e.Fresh(now):
		telemetry.RecordCacheLookup(ctx, op, "hit")
	case allowStale:
		telemetry.RecordCacheLookup(ctx, op, "stale")
		c.logger.Debug("serving stale cache entry", "op", op, "expired_at", e.ExpiresAt)
	default:
		telemetry.RecordCacheLookup(ctx, op, "expired")
		return nil, false, nil
	}
	if err := c.store.Touch(ctx, key, now); err != nil {
		c.logger.Warn("updating cache access time", "op", op, "error", err)
	}
	return e.Payload, true, nil
}

// Set stores payload for op and params. A non-positive ttl selects the
// operation's configured time to live.
func (c *Cache) Set(ctx context.Context, op string, params any, payload []byte, ttl time.Duration) error {
	key, err := Key(op, params)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.TTL(op)
	}
	now := c.now()
	e := Entry{
		Key:            key,
		Operation:      op,
		Payload:        payload,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	if err := c.store.Put(ctx, e); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	return nil
}

// Prune deletes expired entries and returns how many were removed.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("pruning cache: %w", err)
	}
	if n > 0 {
		c.logger.Info("pruned cache entries", "count", n)
	}
	return n, nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, false, ErrStoreClosed
	}
	e, ok := m.entries[key]
	if ok {
		e.Payload = bytes.Clone(e.Payload)
	}
	return e, ok, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	e.Payload = bytes.Clone(e.Payload)
	m.entries[e.Key] = e
	return nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if e, ok := m.entries[key]; ok {
		e.LastAccessedAt = at
		m.entries[key] = e
	}
	return nil
}

// DeleteExpired implements Store.
func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for k, e := range m.entries {
		if !e.Fresh(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
