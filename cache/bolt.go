package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize caps a single decompressed payload.
	MaxPayloadSize = 10 * 1024 * 1024
)

var (
	bucketCache = []byte("response_cache")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("cache: payload exceeds maximum size")
)

// record is the on-disk form of an Entry.
type record struct {
	Operation      string    `json:"op"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Compressed     bool      `json:"zstd,omitempty"`
	Payload        []byte    `json:"payload"`
}

// codec compresses large payloads. Encoder and decoder are goroutine-safe.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	once    sync.Once
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) encode(e Entry) ([]byte, error) {
	if len(e.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	r := record{
		Operation:      e.Operation,
		CreatedAt:      e.CreatedAt,
		ExpiresAt:      e.ExpiresAt,
		LastAccessedAt: e.LastAccessedAt,
		Payload:        e.Payload,
	}
	if len(e.Payload) >= CompressionThreshold {
		compressed := c.encoder.EncodeAll(e.Payload, make([]byte, 0, len(e.Payload)/2))
		if len(compressed) < len(e.Payload) {
			r.Payload = compressed
			r.Compressed = true
		}
	}
	return json.Marshal(r)
}

func (c *codec) decode(key string, data []byte) (Entry, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Entry{}, fmt.Errorf("decoding record: %w", err)
	}
	payload := r.Payload
	if r.Compressed {
		var err error
		payload, err = c.decoder.DecodeAll(r.Payload, nil)
		if err != nil {
			return Entry{}, fmt.Errorf("decompressing payload: %w", err)
		}
	}
	return Entry{
		Key:            key,
		Operation:      r.Operation,
		Payload:        payload,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		LastAccessedAt: r.LastAccessedAt,
	}, nil
}

func (c *codec) close() {
	c.once.Do(func() {
		_ = c.encoder.Close()
		c.decoder.Close()
	})
}

// BoltStore persists entries in a bbolt bucket.
type BoltStore struct {
	db    *bbolt.DB
	codec *codec
	owns  bool
}

// NewBoltStore uses an already open database. The caller keeps ownership
// of db.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	return newBoltStore(db, false)
}

// OpenBoltStore opens (or creates) a database at path owned by the store.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	s, err := newBoltStore(db, true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newBoltStore(db *bbolt.DB, owns bool) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCache); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketCache, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, codec: c, owns: owns}, nil
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, key string) (Entry, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketCache).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return Entry{}, false, err
	}
	e, err := s.codec.decode(key, data)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put implements Store.
func (s *BoltStore) Put(_ context.Context, e Entry) error {
	data, err := s.codec.encode(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(e.Key), data)
	})
}

// Touch implements Store.
func (s *BoltStore) Touch(_ context.Context, key string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCache)
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}
		r.LastAccessedAt = at
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// DeleteExpired implements Store.
func (s *BoltStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCache)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r struct {
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := json.Unmarshal(v, &r); err != nil || !now.Before(r.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.codec.close()
	if !s.owns {
		return nil
	}
	return s.db.Close()
}
