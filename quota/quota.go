// Package quota tracks per-credential request usage against the YouTube Data
// API daily quota window.
//
// Each credential slot carries a Status. A slot marked exhausted stays
// exhausted until its ResetAt passes; the first read or write after that
// instant returns the slot to a fresh state with its counter zeroed.
package quota

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

// Slot names a credential position.
type Slot string

const (
	SlotPrimary Slot = "primary"
	SlotBackup  Slot = "backup"
)

// Slots lists the slots in fallback order.
var Slots = []Slot{SlotPrimary, SlotBackup}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	return s == SlotPrimary || s == SlotBackup
}

func (s Slot) String() string { return string(s) }

// ParseSlot converts a string to a Slot.
func ParseSlot(v string) (Slot, error) {
	s := Slot(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlot, v)
	}
	return s, nil
}

var (
	// ErrUnknownSlot is returned for slot names other than primary and backup.
	ErrUnknownSlot = errors.New("quota: unknown slot")
	// ErrStoreClosed is returned when a store is used after Close.
	ErrStoreClosed = errors.New("quota: store closed")
)

// ResetZone is the zone in which the Data API rolls its daily quota over.
const ResetZone = "America/Los_Angeles"

// Location is the loaded ResetZone.
var Location = mustLoadLocation(ResetZone)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("quota: loading %s: %v", name, err))
	}
	return loc
}

// NextMidnight returns the first midnight in Location strictly after t.
func NextMidnight(t time.Time) time.Time {
	lt := t.In(Location)
	y, m, d := lt.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, Location)
}

// Status is the quota state of a single slot.
type Status struct {
	Exhausted     bool      `json:"isExhausted"`
	ExhaustedAt   time.Time `json:"exhaustedAt,omitzero"`
	ResetAt       time.Time `json:"resetAt,omitzero"`
	RequestsToday int64     `json:"requestsToday"`
}

// Expired reports whether the slot's window has rolled over at now.
func (s Status) Expired(now time.Time) bool {
	return !s.ResetAt.IsZero() && !now.Before(s.ResetAt)
}

// Normalize returns the state as of now. An expired window yields the zero
// Status. The boolean reports whether anything changed.
func (s Status) Normalize(now time.Time) (Status, bool) {
	if s.Expired(now) {
		return Status{}, true
	}
	return s, false
}

// Mutation describes one recorded request against a slot.
type Mutation struct {
	Now           time.Time
	NextReset     time.Time
	QuotaExceeded bool
}

// NewMutation builds a Mutation stamped at now.
func NewMutation(now time.Time, quotaExceeded bool) Mutation {
	return Mutation{Now: now, NextReset: NextMidnight(now), QuotaExceeded: quotaExceeded}
}

// Apply returns the state after m. The counter always advances; a quota
// failure marks the slot exhausted until the next reset.
func (s Status) Apply(m Mutation) Status {
	s, _ = s.Normalize(m.Now)
	s.RequestsToday++
	if s.ResetAt.IsZero() {
		s.ResetAt = m.NextReset
	}
	if m.QuotaExceeded {
		s.Exhausted = true
		s.ExhaustedAt = m.Now
		s.ResetAt = m.NextReset
	}
	return s
}

// Snapshot holds the status of every slot.
type Snapshot struct {
	Primary Status `json:"primary"`
	Backup  Status `json:"backup"`
}

// Get returns the status of slot.
func (s Snapshot) Get(slot Slot) Status {
	if slot == SlotBackup {
		return s.Backup
	}
	return s.Primary
}

// Set replaces the status of slot.
func (s *Snapshot) Set(slot Slot, st Status) {
	if slot == SlotBackup {
		s.Backup = st
		return
	}
	s.Primary = st
}

// Normalize applies Status.Normalize to every slot.
func (s Snapshot) Normalize(now time.Time) (Snapshot, bool) {
	p, pc := s.Primary.Normalize(now)
	b, bc := s.Backup.Normalize(now)
	return Snapshot{Primary: p, Backup: b}, pc || bc
}

// EarliestReset returns the soonest ResetAt among exhausted slots, or the
// zero time when no slot is exhausted.
func (s Snapshot) EarliestReset() time.Time {
	var earliest time.Time
	for _, slot := range Slots {
		st := s.Get(slot)
		if !st.Exhausted || st.ResetAt.IsZero() {
			continue
		}
		if earliest.IsZero() || st.ResetAt.Before(earliest) {
			earliest = st.ResetAt
		}
	}
	return earliest
}
