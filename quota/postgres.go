package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"ytingest/internal/retry"
)

const (
	postgresQuotaTableName   = "ytingest_quota"
	postgresOperationTimeout = 5 * time.Second
)

// ErrInvalidDSN is returned when the Postgres DSN is empty.
var ErrInvalidDSN = errors.New("quota: empty postgres dsn")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists slot state in a Postgres table, one row per slot.
// Mutations are single INSERT ... ON CONFLICT DO UPDATE statements, so the
// increment and the exhaustion transition are evaluated by the database
// against the current row.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	connect   retry.Config

	mu sync.Mutex
	db *sql.DB
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTableName overrides the table name.
func WithTableName(name string) PostgresOption {
	return func(s *PostgresStore) {
		if strings.TrimSpace(name) != "" {
			s.tableName = name
		}
	}
}

// WithConnectRetry sets the backoff used while establishing the connection.
func WithConnectRetry(cfg retry.Config) PostgresOption {
	return func(s *PostgresStore) {
		s.connect = cfg
	}
}

// NewPostgresStore returns a store for dsn. The connection is established
// lazily on first use.
func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 3
	s := &PostgresStore{
		dsn:       dsn,
		tableName: postgresQuotaTableName,
		openDB:    sql.Open,
		connect:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, now time.Time) (Snapshot, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	reset := fmt.Sprintf(`
		UPDATE %s SET exhausted = FALSE, exhausted_at = NULL, reset_at = NULL, requests_today = 0
		WHERE reset_at IS NOT NULL AND reset_at <= $1`, table)
	if _, err := db.ExecContext(ctx, reset, now); err != nil {
		return Snapshot{}, fmt.Errorf("resetting expired slots: %w", err)
	}

	query := fmt.Sprintf(`SELECT slot, exhausted, exhausted_at, reset_at, requests_today FROM %s`, table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var slot string
		st, err := scanStatus(rows.Scan, &slot)
		if err != nil {
			return Snapshot{}, err
		}
		if Slot(slot).Valid() {
			snap.Set(Slot(slot), st)
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	// A row updated between the reset and the select may still be stale.
	snap, _ = snap.Normalize(now)
	return snap, nil
}

// Apply implements Store.
func (s *PostgresStore) Apply(ctx context.Context, slot Slot, m Mutation) (Status, error) {
	if !slot.Valid() {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return Status{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s AS q (slot, exhausted, exhausted_at, reset_at, requests_today)
		VALUES ($1, $2::boolean, CASE WHEN $2::boolean THEN $3::timestamptz END, $4::timestamptz, 1)
		ON CONFLICT (slot) DO UPDATE SET
			requests_today = CASE WHEN q.reset_at IS NOT NULL AND q.reset_at <= $3::timestamptz
				THEN 1 ELSE q.requests_today + 1 END,
			exhausted = CASE WHEN $2::boolean THEN TRUE
				WHEN q.reset_at IS NOT NULL AND q.reset_at <= $3::timestamptz THEN FALSE
				ELSE q.exhausted END,
			exhausted_at = CASE WHEN $2::boolean THEN $3::timestamptz
				WHEN q.reset_at IS NOT NULL AND q.reset_at <= $3::timestamptz THEN NULL
				ELSE q.exhausted_at END,
			reset_at = CASE WHEN $2::boolean THEN $4::timestamptz
				WHEN q.reset_at IS NULL OR q.reset_at <= $3::timestamptz THEN $4::timestamptz
				ELSE q.reset_at END
		RETURNING exhausted, exhausted_at, reset_at, requests_today`, postgresQuoteIdentifier(s.tableName))

	row := db.QueryRowContext(ctx, query, string(slot), m.QuotaExceeded, m.Now, m.NextReset)
	return scanStatus(row.Scan)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn opens the database and creates the table on first use. A failed
// attempt is not remembered, so a call made while shutting down does not
// leave the store unusable.
func (s *PostgresStore) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			slot TEXT PRIMARY KEY,
			exhausted BOOLEAN NOT NULL DEFAULT FALSE,
			exhausted_at TIMESTAMPTZ,
			reset_at TIMESTAMPTZ,
			requests_today BIGINT NOT NULL DEFAULT 0
		)`, postgresQuoteIdentifier(s.tableName))
	err = retry.Do(ctx, s.connect, retryablePostgresError(ctx), func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		_, err := db.ExecContext(opCtx, query)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("preparing quota table: %w", err)
	}
	s.db = db
	return db, nil
}

// retryablePostgresError retries connection trouble and per-attempt
// timeouts, but not authentication or SQL errors, nor anything once ctx is
// done.
func retryablePostgresError(ctx context.Context) retry.ErrorClassifier {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code.Class() {
			case "28", "42": // invalid authorization, syntax or access rule
				return false
			}
		}
		return true
	}
}

func scanStatus(scan func(dest ...any) error, prefix ...any) (Status, error) {
	var (
		st          Status
		exhaustedAt sql.NullTime
		resetAt     sql.NullTime
	)
	dest := append(prefix, &st.Exhausted, &exhaustedAt, &resetAt, &st.RequestsToday)
	if err := scan(dest...); err != nil {
		return Status{}, err
	}
	if exhaustedAt.Valid {
		st.ExhaustedAt = exhaustedAt.Time
	}
	if resetAt.Valid {
		st.ResetAt = resetAt.Time
	}
	return st, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
