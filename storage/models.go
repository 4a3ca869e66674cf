package storage

import (
	"maps"
	"time"
)

// Source is a YouTube channel registered for ingestion.
type Source struct {
	// ID is the internal unique identifier (UUID).
	ID string `json:"id"`
	// ChannelURL is the URL the source was registered with.
	ChannelURL string `json:"channel_url"`
	// ChannelID is the resolved channel ID, filled after the first sync.
	ChannelID string `json:"channel_id,omitempty"`
	// Name is an optional display name.
	Name string `json:"name,omitempty"`
	// LastSyncAt is when the source last completed a sync run.
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
	// LastSyncStatus is the status of that run.
	LastSyncStatus RunStatus `json:"last_sync_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Item is one persisted upload. (SourceID, URL) is unique.
type Item struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	ExternalID   string    `json:"external_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	URL          string    `json:"url"`
	PublishedAt  time.Time `json:"published_at,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyncType distinguishes single-source runs from batch runs.
type SyncType string

const (
	SyncTypeSingleSource SyncType = "single_source"
	SyncTypeBulk         SyncType = "bulk_sync"
)

// RunStatus is the outcome of a sync run.
type RunStatus string

const (
	// RunStatusSuccess means every item was handled. It is also the
	// provisional status of a run that has not completed yet.
	RunStatusSuccess RunStatus = "success"
	// RunStatusPartial means some items failed to persist.
	RunStatusPartial RunStatus = "partial"
	// RunStatusFailed means the run failed at the channel level.
	RunStatusFailed RunStatus = "failed"
)

// FailedItem records an item that could not be persisted.
type FailedItem struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// SyncRun is the audit record of one sync run. It is created when the run
// starts and completed exactly once.
type SyncRun struct {
	ID             string            `json:"id"`
	SourceID       string            `json:"source_id,omitempty"`
	SyncType       SyncType          `json:"sync_type"`
	Status         RunStatus         `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at,omitzero"`
	ItemsAdded     int               `json:"items_added"`
	ItemsFailed    int               `json:"items_failed"`
	TotalProcessed int               `json:"total_processed"`
	FailedItems    []FailedItem      `json:"failed_items,omitempty"`
	LogText        string            `json:"log_text,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Completed reports whether the run has been completed.
func (r *SyncRun) Completed() bool {
	return r != nil && !r.CompletedAt.IsZero()
}

// Clone returns a deep copy of r.
func (r *SyncRun) Clone() *SyncRun {
	if r == nil {
		return nil
	}
	c := *r
	c.FailedItems = append([]FailedItem(nil), r.FailedItems...)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}
