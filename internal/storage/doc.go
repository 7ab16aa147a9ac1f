// Package storage groups the tracker store backings.
//
// File-per-record backings (local, memory, gcs) implement tracker.Medium and are wrapped by
// filestore.Store. Row-based backings (postgres, sqlite) implement tracker.Store directly.
package storage
