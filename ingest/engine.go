// Package ingest synchronizes registered YouTube channels into a content
// store. A sync resolves the channel, lists its most recent uploads newest
// first and persists the ones not seen before, stopping at the first item
// that already exists.
//
// Listings are assumed to be newest first and stable between runs. An item
// backfilled behind an already stored one is never picked up; this trades
// completeness for quota.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ytingest/fallback"
	"ytingest/quota"
	"ytingest/storage"
	"ytingest/youtube"
)

// ContentStore persists synced items.
type ContentStore interface {
	ItemExists(ctx context.Context, sourceID, url string) (bool, error)
	CreateItem(ctx context.Context, item *storage.Item) error
}

// RunRecorder durably records sync runs.
type RunRecorder interface {
	StartRun(ctx context.Context, run *storage.SyncRun) error
	CompleteRun(ctx context.Context, run *storage.SyncRun) error
}

// CredentialProvider supplies the API keys for a run. Keys are never
// persisted by the engine.
type CredentialProvider interface {
	Credentials(ctx context.Context, scope string) (fallback.Credentials, error)
}

// Engine runs channel syncs. It is safe for concurrent use; each run gets
// its own fallback.Client, while the quota tracker and response cache are
// shared.
type Engine struct {
	api      youtube.DataAPI
	tracker  fallback.QuotaTracker
	cache    fallback.ResponseCache
	content  ContentStore
	runs     RunRecorder
	creds    CredentialProvider
	scope    string
	maxItems int
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCache enables response caching.
func WithCache(c fallback.ResponseCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithCredentialScope selects the key set requested from the provider.
func WithCredentialScope(scope string) Option {
	return func(e *Engine) {
		e.scope = scope
	}
}

// WithMaxItems sets the per-channel item limit used by SyncAll.
func WithMaxItems(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxItems = n
		}
	}
}

// New creates an Engine.
func New(api youtube.DataAPI, tracker fallback.QuotaTracker, content ContentStore, runs RunRecorder, creds CredentialProvider, opts ...Option) *Engine {
	e := &Engine{
		api:      api,
		tracker:  tracker,
		content:  content,
		runs:     runs,
		creds:    creds,
		maxItems: youtube.DefaultMaxItems,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newClient builds the per-run client from freshly fetched credentials.
func (e *Engine) newClient(ctx context.Context) (*youtube.Client, error) {
	creds, err := e.creds.Credentials(ctx, e.scope)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	fc, err := fallback.New(creds, e.tracker, e.cache,
		fallback.WithLogger(e.logger),
		fallback.WithNow(e.now),
	)
	if err != nil {
		return nil, err
	}
	return youtube.NewClient(e.api, fc, youtube.WithLogger(e.logger)), nil
}

// SlotStatus is the display view of one key slot.
type SlotStatus struct {
	Exhausted     bool      `json:"exhausted"`
	ResetAt       time.Time `json:"resetAt,omitzero"`
	RequestsToday int64     `json:"requestsToday"`
}

// QuotaStatus is the display view of both key slots.
type QuotaStatus struct {
	Primary SlotStatus `json:"primary"`
	Backup  SlotStatus `json:"backup"`
}

// QuotaStatus reports the quota state of both slots. It makes no remote
// calls.
func (e *Engine) QuotaStatus(ctx context.Context) (QuotaStatus, error) {
	snap, err := e.tracker.Status(ctx)
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("reading quota status: %w", err)
	}
	return QuotaStatus{
		Primary: slotStatus(snap.Primary),
		Backup:  slotStatus(snap.Backup),
	}, nil
}

func slotStatus(s quota.Status) SlotStatus {
	return SlotStatus{
		Exhausted:     s.Exhausted,
		ResetAt:       s.ResetAt,
		RequestsToday: s.RequestsToday,
	}
}
