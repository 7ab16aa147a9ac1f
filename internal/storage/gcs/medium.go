// Package gcs provides a tracker.Medium backed by Google Cloud Storage, one object per record.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Medium stores records as objects in a bucket under an optional prefix.
type Medium struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed medium.
func New(client *storage.Client, cfg Config) (*Medium, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Medium{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// List returns the keys under the configured prefix, without the prefix.
func (m *Medium) List(ctx context.Context) ([]string, error) {
	it := m.client.Bucket(m.bucket).Objects(ctx, &storage.Query{Prefix: m.prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		key := strings.TrimPrefix(attrs.Name, m.prefix)
		if key == "" || strings.Contains(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Read downloads the object stored under key.
func (m *Medium) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := m.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", tracker.ErrNotFound, key)
		}
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer func() {
		_ = r.Close()
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Write uploads data under key. The upload only commits on Close, and the DoesNotExist
// precondition keeps an existing object from being replaced.
func (m *Medium) Write(ctx context.Context, key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := m.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("%w: %s", tracker.ErrExists, key)
		}
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Delete removes the object stored under key.
func (m *Medium) Delete(ctx context.Context, key string) error {
	if err := m.object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", tracker.ErrNotFound, key)
		}
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (m *Medium) object(key string) *storage.ObjectHandle {
	return m.client.Bucket(m.bucket).Object(m.prefix + key)
}
