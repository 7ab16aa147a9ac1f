// Package postgres provides a Postgres-backed tracker.Store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/metrics"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

const maxIDAttempts = 3

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for tracker rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store keeps one row per tracker.
type Store struct {
	pool   pool
	table  string
	ids    tracker.IDGenerator
	logger *zap.Logger
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config, ids tracker.IDGenerator, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table, ids, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, ids tracker.IDGenerator, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "trackers"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, table: table, ids: ids, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tracker table if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	url          TEXT,
	target_price NUMERIC,
	email        TEXT,
	created_at   TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create tracker table: %w", err)
	}
	return nil
}

// Create inserts the draft under a fresh id. ON CONFLICT DO NOTHING turns an id collision
// into zero affected rows, which triggers another attempt.
func (s *Store) Create(ctx context.Context, draft tracker.Draft) (tracker.Entry, error) {
	if err := draft.Validate(); err != nil {
		return tracker.Entry{}, fmt.Errorf("create tracker: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, target_price, email, created_at)
VALUES ($1, $2, $3::numeric, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.table)

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.ids.NewID()
		if err != nil {
			return tracker.Entry{}, fmt.Errorf("generate tracker id: %w", err)
		}
		tag, err := s.pool.Exec(ctx, query, id, draft.URL, draft.TargetPrice.String(), draft.Email, draft.CreatedAt)
		if err != nil {
			return tracker.Entry{}, fmt.Errorf("insert tracker: %w", err)
		}
		if tag.RowsAffected() == 0 {
			s.logger.Warn("tracker id collision", zap.String("tracker_id", id))
			continue
		}
		metrics.ObserveStoreEvent("created")
		return tracker.Entry{Handle: tracker.Handle(id), Tracker: draft.WithID(id)}, nil
	}
	return tracker.Entry{}, fmt.Errorf("allocate tracker id: %w", tracker.ErrExists)
}

// ListAll selects every row. Rows with missing or invalid columns are logged and skipped.
func (s *Store) ListAll(ctx context.Context) ([]tracker.Entry, error) {
	query := fmt.Sprintf(`
SELECT id,
	COALESCE(url, ''),
	COALESCE(target_price::text, ''),
	COALESCE(email, ''),
	COALESCE(created_at, to_timestamp(0))
FROM %s`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	defer rows.Close()

	var entries []tracker.Entry
	for rows.Next() {
		var (
			id, url, target, email string
			createdAt              time.Time
		)
		if err := rows.Scan(&id, &url, &target, &email, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		t, err := rowToTracker(id, url, target, email, createdAt)
		if err != nil {
			metrics.ObserveStoreEvent("malformed_record")
			s.logger.Warn("skipping malformed tracker row", zap.String("tracker_id", id), zap.Error(err))
			continue
		}
		entries = append(entries, tracker.Entry{Handle: tracker.Handle(id), Tracker: t})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trackers: %w", err)
	}
	return entries, nil
}

// Delete removes the row for handle. Zero affected rows means it was already gone.
func (s *Store) Delete(ctx context.Context, handle tracker.Handle) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(handle))
	if err != nil {
		metrics.ObserveStoreEvent("delete_failed")
		return fmt.Errorf("delete tracker %s: %w", handle, err)
	}
	if tag.RowsAffected() == 0 {
		metrics.ObserveStoreEvent("delete_absent")
		return nil
	}
	metrics.ObserveStoreEvent("deleted")
	return nil
}

func rowToTracker(id, url, target, email string, createdAt time.Time) (tracker.Tracker, error) {
	t := tracker.Tracker{
		ID:        id,
		URL:       url,
		Email:     email,
		CreatedAt: createdAt.UTC(),
	}
	if target == "" {
		return tracker.Tracker{}, fmt.Errorf("%w: %s: %w: target_price", tracker.ErrMalformedRecord, id, tracker.ErrMissingField)
	}
	price, err := decimal.NewFromString(target)
	if err != nil {
		return tracker.Tracker{}, fmt.Errorf("%w: %s: %v", tracker.ErrMalformedRecord, id, err)
	}
	t.TargetPrice = price
	if err := t.Validate(); err != nil {
		return tracker.Tracker{}, fmt.Errorf("%w: %s: %w", tracker.ErrMalformedRecord, id, err)
	}
	return t, nil
}

var _ tracker.Store = (*Store)(nil)
