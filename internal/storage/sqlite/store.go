// Package sqlite provides an embedded tracker.Store built on gorm and SQLite.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/realtime-price-watch/internal/metrics"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

const maxIDAttempts = 3

// Row is the persisted layout. Required columns are nullable so that rows written by other
// tools can still be listed and reported instead of failing the whole scan.
type Row struct {
	ID          string  `gorm:"primaryKey"`
	URL         *string `gorm:"column:url"`
	TargetPrice *string `gorm:"column:target_price"`
	Email       *string `gorm:"column:email"`
	CreatedAt   time.Time
}

// TableName pins the table name.
func (Row) TableName() string {
	return "trackers"
}

// Store keeps one row per tracker in a SQLite database.
type Store struct {
	db     *gorm.DB
	ids    tracker.IDGenerator
	logger *zap.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string, ids tracker.IDGenerator, log *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	sqlDB.SetMaxOpenConns(1)
	return NewWithDB(db, ids, log)
}

// NewWithDB wraps an existing gorm handle and migrates the schema.
func NewWithDB(db *gorm.DB, ids tracker.IDGenerator, log *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("migrate trackers: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, ids: ids, logger: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Create inserts the draft under a fresh id.
func (s *Store) Create(ctx context.Context, draft tracker.Draft) (tracker.Entry, error) {
	if err := draft.Validate(); err != nil {
		return tracker.Entry{}, fmt.Errorf("create tracker: %w", err)
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.ids.NewID()
		if err != nil {
			return tracker.Entry{}, fmt.Errorf("generate tracker id: %w", err)
		}
		url, price, email := draft.URL, draft.TargetPrice.String(), draft.Email
		row := Row{ID: id, URL: &url, TargetPrice: &price, Email: &email, CreatedAt: draft.CreatedAt}
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return tracker.Entry{}, fmt.Errorf("insert tracker: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			s.logger.Warn("tracker id collision", zap.String("tracker_id", id))
			continue
		}
		metrics.ObserveStoreEvent("created")
		return tracker.Entry{Handle: tracker.Handle(id), Tracker: draft.WithID(id)}, nil
	}
	return tracker.Entry{}, fmt.Errorf("allocate tracker id: %w", tracker.ErrExists)
}

// ListAll loads every row, skipping and reporting invalid ones.
func (s *Store) ListAll(ctx context.Context) ([]tracker.Entry, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	entries := make([]tracker.Entry, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTracker()
		if err != nil {
			metrics.ObserveStoreEvent("malformed_record")
			s.logger.Warn("skipping malformed tracker row", zap.String("tracker_id", row.ID), zap.Error(err))
			continue
		}
		entries = append(entries, tracker.Entry{Handle: tracker.Handle(row.ID), Tracker: t})
	}
	return entries, nil
}

// Delete removes the row for handle. A missing row is not an error.
func (s *Store) Delete(ctx context.Context, handle tracker.Handle) error {
	result := s.db.WithContext(ctx).Where("id = ?", string(handle)).Delete(&Row{})
	if result.Error != nil {
		metrics.ObserveStoreEvent("delete_failed")
		return fmt.Errorf("delete tracker %s: %w", handle, result.Error)
	}
	if result.RowsAffected == 0 {
		metrics.ObserveStoreEvent("delete_absent")
		return nil
	}
	metrics.ObserveStoreEvent("deleted")
	return nil
}

func (r Row) toTracker() (tracker.Tracker, error) {
	if r.TargetPrice == nil {
		return tracker.Tracker{}, fmt.Errorf("%w: %s: %w: target_price", tracker.ErrMalformedRecord, r.ID, tracker.ErrMissingField)
	}
	price, err := decimal.NewFromString(*r.TargetPrice)
	if err != nil {
		return tracker.Tracker{}, fmt.Errorf("%w: %s: %v", tracker.ErrMalformedRecord, r.ID, err)
	}
	t := tracker.Tracker{
		ID:          r.ID,
		URL:         deref(r.URL),
		TargetPrice: price,
		Email:       deref(r.Email),
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if err := t.Validate(); err != nil {
		return tracker.Tracker{}, fmt.Errorf("%w: %s: %w", tracker.ErrMalformedRecord, r.ID, err)
	}
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ tracker.Store = (*Store)(nil)
