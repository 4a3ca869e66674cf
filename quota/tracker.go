package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store persists slot state. Implementations must apply each mutation as a
// single atomic read-modify-write so concurrent runs never lose increments.
type Store interface {
	// Load returns the current snapshot with expired windows reset.
	Load(ctx context.Context, now time.Time) (Snapshot, error)
	// Apply records m against slot and returns the resulting status.
	Apply(ctx context.Context, slot Slot, m Mutation) (Status, error)
	Close() error
}

// Tracker records request outcomes per slot and answers exhaustion queries.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a Tracker backed by store.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Status returns the state of both slots as of now.
func (t *Tracker) Status(ctx context.Context) (Snapshot, error) {
	snap, err := t.store.Load(ctx, t.now())
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading quota state: %w", err)
	}
	return snap, nil
}

// SlotStatus returns the state of a single slot.
func (t *Tracker) SlotStatus(ctx context.Context, slot Slot) (Status, error) {
	snap, err := t.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	return snap.Get(slot), nil
}

// IsExhausted reports whether slot is currently exhausted.
func (t *Tracker) IsExhausted(ctx context.Context, slot Slot) (bool, error) {
	st, err := t.SlotStatus(ctx, slot)
	if err != nil {
		return false, err
	}
	return st.Exhausted, nil
}

// RecordUsage counts one request against slot. quotaExceeded marks the slot
// exhausted until the next daily reset.
func (t *Tracker) RecordUsage(ctx context.Context, slot Slot, succeeded, quotaExceeded bool) (Status, error) {
	if !slot.Valid() {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	st, err := t.store.Apply(ctx, slot, NewMutation(t.now(), quotaExceeded))
	if err != nil {
		return Status{}, fmt.Errorf("recording usage for %s: %w", slot, err)
	}
	if quotaExceeded {
		t.logger.Warn("quota exhausted", "slot", slot, "reset_at", st.ResetAt, "requests_today", st.RequestsToday)
	} else {
		t.logger.Debug("quota usage recorded", "slot", slot, "succeeded", succeeded, "requests_today", st.RequestsToday)
	}
	return st, nil
}

// Close closes the underlying store.
func (t *Tracker) Close() error {
	return t.store.Close()
}

// MemoryStore keeps slot state in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	snap   Snapshot
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, now time.Time) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrStoreClosed
	}
	m.snap, _ = m.snap.Normalize(now)
	return m.snap, nil
}

// Apply implements Store.
func (m *MemoryStore) Apply(_ context.Context, slot Slot, mut Mutation) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Status{}, ErrStoreClosed
	}
	st := m.snap.Get(slot).Apply(mut)
	m.snap.Set(slot, st)
	return st, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
