// Package filestore implements tracker.Store with one structured-text record per tracker on
// top of any tracker.Medium.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/metrics"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

const (
	recordExt     = ".json"
	maxIDAttempts = 3
)

// Store persists trackers as <id>.json records. It keeps no cache: every call goes to the medium.
type Store struct {
	medium tracker.Medium
	ids    tracker.IDGenerator
	logger *zap.Logger
}

// New constructs a Store.
func New(medium tracker.Medium, ids tracker.IDGenerator, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		medium: medium,
		ids:    ids,
		logger: logger,
	}
}

// Create writes the draft under a freshly generated id.
func (s *Store) Create(ctx context.Context, draft tracker.Draft) (tracker.Entry, error) {
	data, err := tracker.Encode(draft)
	if err != nil {
		return tracker.Entry{}, err
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.ids.NewID()
		if err != nil {
			return tracker.Entry{}, fmt.Errorf("generate tracker id: %w", err)
		}
		key := id + recordExt
		err = s.medium.Write(ctx, key, data)
		if errors.Is(err, tracker.ErrExists) {
			s.logger.Warn("tracker id collision", zap.String("tracker_id", id))
			continue
		}
		if err != nil {
			return tracker.Entry{}, fmt.Errorf("persist tracker: %w", err)
		}
		metrics.ObserveStoreEvent("created")
		return tracker.Entry{Handle: tracker.Handle(key), Tracker: draft.WithID(id)}, nil
	}
	return tracker.Entry{}, fmt.Errorf("allocate tracker id: %w", tracker.ErrExists)
}

// ListAll reads every record from the medium. Records that cannot be read or decoded are
// logged and left in place.
func (s *Store) ListAll(ctx context.Context) ([]tracker.Entry, error) {
	keys, err := s.medium.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	entries := make([]tracker.Entry, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, recordExt) {
			continue
		}
		data, err := s.medium.Read(ctx, key)
		if err != nil {
			if errors.Is(err, tracker.ErrNotFound) {
				// Retired between List and Read.
				continue
			}
			metrics.ObserveStoreEvent("read_failed")
			s.logger.Error("failed to read tracker record", zap.String("key", key), zap.Error(err))
			continue
		}
		t, err := tracker.Decode(strings.TrimSuffix(key, recordExt), data)
		if err != nil {
			metrics.ObserveStoreEvent("malformed_record")
			s.logger.Warn("skipping malformed tracker record", zap.String("key", key), zap.Error(err))
			continue
		}
		entries = append(entries, tracker.Entry{Handle: tracker.Handle(key), Tracker: t})
	}
	return entries, nil
}

// Delete removes the record behind handle. An already-absent record is not an error.
func (s *Store) Delete(ctx context.Context, handle tracker.Handle) error {
	err := s.medium.Delete(ctx, string(handle))
	switch {
	case err == nil:
		metrics.ObserveStoreEvent("deleted")
		return nil
	case errors.Is(err, tracker.ErrNotFound):
		metrics.ObserveStoreEvent("delete_absent")
		s.logger.Debug("tracker record already gone", zap.String("key", string(handle)))
		return nil
	default:
		metrics.ObserveStoreEvent("delete_failed")
		return fmt.Errorf("delete tracker %s: %w", handle, err)
	}
}
