package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	schemaVersion = "1.0"
	lockTimeout   = 5 * time.Second
)

// JSONStore implements Store using a single JSON file. The whole file is
// rewritten atomically on every mutation, and an advisory lock keeps other
// processes out while the store is open.
type JSONStore struct {
	path   string
	lock   *fileLock
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	data   *storeData
	closed bool
}

// storeData is the top-level JSON structure.
type storeData struct {
	Version   string              `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	Sources   map[string]*Source  `json:"sources"`
	Items     map[string]*Item    `json:"items"`
	Runs      map[string]*SyncRun `json:"sync_runs"`
	Indexes   *indexes            `json:"indexes"`
}

// indexes maintains lookup tables for efficient queries.
type indexes struct {
	SourceByURL   map[string]string            `json:"source_by_url"`   // channel_url -> source_id
	ItemsBySource map[string]map[string]string `json:"items_by_source"` // source_id -> url -> item_id
}

// JSONStoreOption configures a JSONStore.
type JSONStoreOption func(*JSONStore)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) JSONStoreOption {
	return func(s *JSONStore) {
		s.logger = logger
	}
}

// WithNow overrides the clock used for timestamps.
func WithNow(now func() time.Time) JSONStoreOption {
	return func(s *JSONStore) {
		s.now = now
	}
}

// NewJSONStore opens the JSON file store at path, creating it if needed.
func NewJSONStore(ctx context.Context, path string, opts ...JSONStoreOption) (*JSONStore, error) {
	s := &JSONStore{
		path:   path,
		lock:   newFileLock(path),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.lock.acquire(ctx, lockTimeout); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		s.lock.release()
		return nil, err
	}
	return s, nil
}

// load reads the JSON file into memory. Creates empty data if file doesn't exist.
func (s *JSONStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.data = newStoreData(s.now())
			// Save immediately to catch permission errors early
			return s.save()
		}
		return &StorageError{Op: "read", Entity: "store", Err: err}
	}

	data := &storeData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return &StorageError{Op: "read", Entity: "store", ID: s.path, Err: ErrStorageCorrupt}
	}
	data.fill()
	s.data = data
	return nil
}

// save persists the data to disk atomically.
func (s *JSONStore) save() error {
	s.data.UpdatedAt = s.now()

	w, err := newAtomicWriter(s.path)
	if err != nil {
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.data); err != nil {
		w.abort()
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}
	if err := w.commit(); err != nil {
		return &StorageError{Op: "write", Entity: "store", Err: err}
	}
	return nil
}

// Close releases the file lock. Further calls fail with ErrClosed.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.release()
}

func (s *JSONStore) checkOpen(op, entity string) error {
	if s.closed {
		return &StorageError{Op: op, Entity: entity, Err: ErrClosed}
	}
	return nil
}

func newStoreData(now time.Time) *storeData {
	d := &storeData{Version: schemaVersion, UpdatedAt: now}
	d.fill()
	return d
}

// fill allocates any map missing from a loaded file.
func (d *storeData) fill() {
	if d.Version == "" {
		d.Version = schemaVersion
	}
	if d.Sources == nil {
		d.Sources = make(map[string]*Source)
	}
	if d.Items == nil {
		d.Items = make(map[string]*Item)
	}
	if d.Runs == nil {
		d.Runs = make(map[string]*SyncRun)
	}
	if d.Indexes == nil {
		d.Indexes = &indexes{}
	}
	if d.Indexes.SourceByURL == nil {
		d.Indexes.SourceByURL = make(map[string]string)
	}
	if d.Indexes.ItemsBySource == nil {
		d.Indexes.ItemsBySource = make(map[string]map[string]string)
	}
}

// --- SourceStore implementation ---

func (s *JSONStore) CreateSource(ctx context.Context, source *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("create", "source"); err != nil {
		return err
	}

	source.ChannelURL = strings.TrimSpace(source.ChannelURL)
	if source.ChannelURL == "" {
		return &StorageError{Op: "create", Entity: "source", Err: ErrInvalidInput}
	}
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	if _, exists := s.data.Sources[source.ID]; exists {
		return &StorageError{Op: "create", Entity: "source", ID: source.ID, Err: ErrAlreadyExists}
	}
	if _, exists := s.data.Indexes.SourceByURL[source.ChannelURL]; exists {
		return &StorageError{Op: "create", Entity: "source", ID: source.ChannelURL, Err: ErrAlreadyExists}
	}

	now := s.now()
	source.CreatedAt = now
	source.UpdatedAt = now

	stored := *source
	s.data.Sources[source.ID] = &stored
	s.data.Indexes.SourceByURL[source.ChannelURL] = source.ID
	if err := s.save(); err != nil {
		delete(s.data.Sources, source.ID)
		delete(s.data.Indexes.SourceByURL, source.ChannelURL)
		return err
	}
	return nil
}

func (s *JSONStore) GetSource(ctx context.Context, id string) (*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("read", "source"); err != nil {
		return nil, err
	}

	source, exists := s.data.Sources[id]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "source", ID: id, Err: ErrNotFound}
	}
	out := *source
	return &out, nil
}

func (s *JSONStore) UpdateSource(ctx context.Context, source *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("update", "source"); err != nil {
		return err
	}

	existing, exists := s.data.Sources[source.ID]
	if !exists {
		return &StorageError{Op: "update", Entity: "source", ID: source.ID, Err: ErrNotFound}
	}
	moved := existing.ChannelURL != source.ChannelURL
	if moved {
		if owner, taken := s.data.Indexes.SourceByURL[source.ChannelURL]; taken && owner != source.ID {
			return &StorageError{Op: "update", Entity: "source", ID: source.ChannelURL, Err: ErrAlreadyExists}
		}
		delete(s.data.Indexes.SourceByURL, existing.ChannelURL)
		s.data.Indexes.SourceByURL[source.ChannelURL] = source.ID
	}

	source.CreatedAt = existing.CreatedAt
	source.UpdatedAt = s.now()
	stored := *source
	s.data.Sources[source.ID] = &stored
	if err := s.save(); err != nil {
		s.data.Sources[source.ID] = existing
		if moved {
			delete(s.data.Indexes.SourceByURL, source.ChannelURL)
			s.data.Indexes.SourceByURL[existing.ChannelURL] = source.ID
		}
		return err
	}
	return nil
}

func (s *JSONStore) DeleteSource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("delete", "source"); err != nil {
		return err
	}

	source, exists := s.data.Sources[id]
	if !exists {
		return &StorageError{Op: "delete", Entity: "source", ID: id, Err: ErrNotFound}
	}
	byURL, hadItems := s.data.Indexes.ItemsBySource[id]
	removed := make(map[string]*Item, len(byURL))
	for _, itemID := range byURL {
		if it, ok := s.data.Items[itemID]; ok {
			removed[itemID] = it
		}
		delete(s.data.Items, itemID)
	}
	delete(s.data.Indexes.ItemsBySource, id)
	delete(s.data.Indexes.SourceByURL, source.ChannelURL)
	delete(s.data.Sources, id)

	if err := s.save(); err != nil {
		s.data.Sources[id] = source
		s.data.Indexes.SourceByURL[source.ChannelURL] = id
		if hadItems {
			s.data.Indexes.ItemsBySource[id] = byURL
		}
		for itemID, it := range removed {
			s.data.Items[itemID] = it
		}
		return err
	}
	return nil
}

func (s *JSONStore) ListSources(ctx context.Context) ([]*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list", "source"); err != nil {
		return nil, err
	}

	sources := make([]*Source, 0, len(s.data.Sources))
	for _, src := range s.data.Sources {
		c := *src
		sources = append(sources, &c)
	}
	slices.SortFunc(sources, func(a, b *Source) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return sources, nil
}

// --- ItemStore implementation ---

func (s *JSONStore) ItemExists(ctx context.Context, sourceID, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("read", "item"); err != nil {
		return false, err
	}
	_, exists := s.data.Indexes.ItemsBySource[sourceID][url]
	return exists, nil
}

func (s *JSONStore) CreateItem(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("create", "item"); err != nil {
		return err
	}

	if item.SourceID == "" || item.URL == "" {
		return &StorageError{Op: "create", Entity: "item", ID: item.URL, Err: ErrInvalidInput}
	}
	if _, exists := s.data.Sources[item.SourceID]; !exists {
		return &StorageError{Op: "create", Entity: "item", ID: item.URL, Err: ErrNotFound}
	}
	byURL := s.data.Indexes.ItemsBySource[item.SourceID]
	if _, exists := byURL[item.URL]; exists {
		return &StorageError{Op: "create", Entity: "item", ID: item.URL, Err: ErrAlreadyExists}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = s.now()

	fresh := byURL == nil
	if fresh {
		byURL = make(map[string]string)
		s.data.Indexes.ItemsBySource[item.SourceID] = byURL
	}
	stored := *item
	s.data.Items[item.ID] = &stored
	byURL[item.URL] = item.ID

	// A failed write must leave the item unknown to ItemExists.
	if err := s.save(); err != nil {
		delete(s.data.Items, item.ID)
		delete(byURL, item.URL)
		if fresh {
			delete(s.data.Indexes.ItemsBySource, item.SourceID)
		}
		return err
	}
	return nil
}

func (s *JSONStore) ListItemsBySource(ctx context.Context, sourceID string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list", "item"); err != nil {
		return nil, err
	}

	byURL := s.data.Indexes.ItemsBySource[sourceID]
	items := make([]*Item, 0, len(byURL))
	for _, id := range byURL {
		if it, exists := s.data.Items[id]; exists {
			c := *it
			items = append(items, &c)
		}
	}
	slices.SortFunc(items, func(a, b *Item) int {
		return cmp.Or(b.PublishedAt.Compare(a.PublishedAt), strings.Compare(a.URL, b.URL))
	})
	return items, nil
}

// --- RunStore implementation ---

func (s *JSONStore) StartRun(ctx context.Context, run *SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("create", "sync_run"); err != nil {
		return err
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := s.data.Runs[run.ID]; exists {
		return &StorageError{Op: "create", Entity: "sync_run", ID: run.ID, Err: ErrAlreadyExists}
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	run.Status = RunStatusSuccess
	run.CompletedAt = time.Time{}

	s.data.Runs[run.ID] = run.Clone()
	if err := s.save(); err != nil {
		delete(s.data.Runs, run.ID)
		return err
	}
	return nil
}

func (s *JSONStore) CompleteRun(ctx context.Context, run *SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("update", "sync_run"); err != nil {
		return err
	}

	existing, exists := s.data.Runs[run.ID]
	if !exists {
		return &StorageError{Op: "update", Entity: "sync_run", ID: run.ID, Err: ErrNotFound}
	}
	if existing.Completed() {
		return &StorageError{Op: "update", Entity: "sync_run", ID: run.ID, Err: ErrRunCompleted}
	}
	if run.CompletedAt.IsZero() {
		run.CompletedAt = s.now()
	}
	run.StartedAt = existing.StartedAt

	s.data.Runs[run.ID] = run.Clone()
	if err := s.save(); err != nil {
		s.data.Runs[run.ID] = existing
		return err
	}
	s.logger.Debug("sync run recorded", "run_id", run.ID, "status", run.Status)
	return nil
}

func (s *JSONStore) GetRun(ctx context.Context, id string) (*SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("read", "sync_run"); err != nil {
		return nil, err
	}

	run, exists := s.data.Runs[id]
	if !exists {
		return nil, &StorageError{Op: "read", Entity: "sync_run", ID: id, Err: ErrNotFound}
	}
	return run.Clone(), nil
}

func (s *JSONStore) ListRuns(ctx context.Context, limit int) ([]*SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("list", "sync_run"); err != nil {
		return nil, err
	}

	runs := make([]*SyncRun, 0, len(s.data.Runs))
	for _, r := range s.data.Runs {
		runs = append(runs, r.Clone())
	}
	slices.SortFunc(runs, func(a, b *SyncRun) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), strings.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
