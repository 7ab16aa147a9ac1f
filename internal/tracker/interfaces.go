package tracker

import (
	"context"
	"time"
)

// Store persists trackers. Records are created once, listed many times and deleted once.
type Store interface {
	// Create assigns a fresh id and durably persists the draft before returning the new
	// tracker together with the handle of its record.
	Create(ctx context.Context, draft Draft) (Entry, error)
	// ListAll returns every persisted, valid tracker in no particular order.
	// Corrupt or invalid records are reported and skipped, never returned.
	ListAll(ctx context.Context) ([]Entry, error)
	// Delete removes a record. Deleting an absent handle is not an error.
	Delete(ctx context.Context, handle Handle) error
}

// Medium is key to bytes storage backing a file-per-record Store.
type Medium interface {
	// List returns every key currently stored.
	List(ctx context.Context) ([]string, error)
	// Read returns the bytes stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write stores data under a new key, returning ErrExists if the key is taken.
	// A partially written value is never visible to Read.
	Write(ctx context.Context, key string, data []byte) error
	// Delete removes key, returning ErrNotFound when it does not exist.
	Delete(ctx context.Context, key string) error
}

// Page is rendered page content returned by a PageProvider.
type Page struct {
	URL      string
	HTML     []byte
	Duration time.Duration
}

// PageProvider fetches and renders a product page.
type PageProvider interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces tracker ids.
type IDGenerator interface {
	NewID() (string, error)
}
