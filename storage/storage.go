// Package storage persists ingestion sources, items and sync runs.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common storage conditions.
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates the entity already exists in storage.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrInvalidInput indicates invalid or malformed input was provided.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = errors.New("storage: data corruption detected")
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = errors.New("storage: lock acquisition timeout")
	// ErrRunCompleted indicates a sync run was completed twice.
	ErrRunCompleted = errors.New("storage: sync run already completed")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("storage: store closed")
)

// StorageError wraps storage errors with operation and entity context.
// Use errors.As() to extract this error type and get operation details:
//
//	var storErr *storage.StorageError
//	if errors.As(err, &storErr) {
//		fmt.Printf("Failed to %s %s %s: %v\n", storErr.Op, storErr.Entity, storErr.ID, storErr.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("create", "read", "update", "delete").
	Op string
	// Entity is the entity type ("source", "item", "sync_run", etc.).
	Entity string
	// ID is the entity ID if applicable.
	ID string
	// Err is the underlying error that occurred.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *StorageError) Unwrap() error { return e.Err }

// Store is the main storage interface.
// Implementations must be safe for concurrent use.
type Store interface {
	SourceStore
	ItemStore
	RunStore

	// Close releases any resources held by the store.
	Close() error
}

// SourceStore handles source CRUD operations.
type SourceStore interface {
	// CreateSource saves a new source. ChannelURL must be unique.
	CreateSource(ctx context.Context, source *Source) error
	// GetSource retrieves a source by its internal ID.
	GetSource(ctx context.Context, id string) (*Source, error)
	// UpdateSource updates an existing source record.
	UpdateSource(ctx context.Context, source *Source) error
	// DeleteSource removes a source and its items.
	DeleteSource(ctx context.Context, id string) error
	// ListSources retrieves all sources ordered by creation time.
	ListSources(ctx context.Context) ([]*Source, error)
}

// ItemStore handles persisted items.
type ItemStore interface {
	// ItemExists reports whether sourceID already holds an item with url.
	ItemExists(ctx context.Context, sourceID, url string) (bool, error)
	// CreateItem saves a new item. It fails with ErrAlreadyExists when the
	// (SourceID, URL) pair is taken.
	CreateItem(ctx context.Context, item *Item) error
	// ListItemsBySource retrieves the items of a source, newest first.
	ListItemsBySource(ctx context.Context, sourceID string) ([]*Item, error)
}

// RunStore records sync runs.
type RunStore interface {
	// StartRun saves a new run with provisional status success.
	StartRun(ctx context.Context, run *SyncRun) error
	// CompleteRun stores the final state of a run. A run completes once.
	CompleteRun(ctx context.Context, run *SyncRun) error
	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*SyncRun, error)
	// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
	ListRuns(ctx context.Context, limit int) ([]*SyncRun, error)
}
