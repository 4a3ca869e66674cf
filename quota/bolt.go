package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketQuota = []byte("quota")

// BoltStore persists slot state in a bbolt bucket. Every mutation runs in a
// single Update transaction, which bbolt serializes across goroutines.
type BoltStore struct {
	db   *bbolt.DB
	owns bool
}

// NewBoltStore uses an already open database. The caller keeps ownership
// of db.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	s := &BoltStore{db: db}
	if err := s.createBucket(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenBoltStore opens (or creates) a database at path owned by the store.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening quota database: %w", err)
	}
	s := &BoltStore{db: db, owns: true}
	if err := s.createBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) createBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketQuota); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketQuota, err)
		}
		return nil
	})
}

// Load implements Store. Expired slots are written back in their reset state.
func (s *BoltStore) Load(_ context.Context, now time.Time) (Snapshot, error) {
	var snap Snapshot
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		for _, slot := range Slots {
			st, err := getStatus(b, slot)
			if err != nil {
				return err
			}
			st, changed := st.Normalize(now)
			if changed {
				if err := putStatus(b, slot, st); err != nil {
					return err
				}
			}
			snap.Set(slot, st)
		}
		return nil
	})
	return snap, err
}

// Apply implements Store.
func (s *BoltStore) Apply(_ context.Context, slot Slot, m Mutation) (Status, error) {
	var out Status
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		st, err := getStatus(b, slot)
		if err != nil {
			return err
		}
		out = st.Apply(m)
		return putStatus(b, slot, out)
	})
	return out, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	if !s.owns || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func getStatus(b *bbolt.Bucket, slot Slot) (Status, error) {
	var st Status
	data := b.Get([]byte(slot))
	if data == nil {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("decoding %s status: %w", slot, err)
	}
	return st, nil
}

func putStatus(b *bbolt.Bucket, slot Slot, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding %s status: %w", slot, err)
	}
	return b.Put([]byte(slot), data)
}
