// Package local implements a tracker.Medium on the local filesystem, one file per key.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

const tempPrefix = ".tmp-"

// Config captures the parameters for the local filesystem medium.
type Config struct {
	// BaseDir is the directory holding one file per record.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Medium stores records as files under a single directory.
type Medium struct {
	baseDir string
	syncDir func(dir string) error
}

// New creates the base directory if needed and verifies it is writable.
// An inaccessible directory is reported as an error so startup can fail fast.
func New(cfg Config) (*Medium, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, tempPrefix+"writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Medium{baseDir: cfg.BaseDir, syncDir: syncDirectory}, nil
}

// Dir returns the base directory.
func (m *Medium) Dir() string {
	return m.baseDir
}

// List returns the names of regular files in the base directory, skipping temp files.
func (m *Medium) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Read returns the content of key.
func (m *Medium) Read(_ context.Context, key string) ([]byte, error) {
	fullPath, err := m.resolve(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", tracker.ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write stores data under key. The content goes to a synced temp file first and is then
// hard-linked into place, so readers never see a partial record and an existing key is
// never overwritten.
func (m *Medium) Write(_ context.Context, key string, data []byte) error {
	fullPath, err := m.resolve(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(m.baseDir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Link(tmpPath, fullPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", tracker.ErrExists, key)
		}
		return fmt.Errorf("publish %s: %w", key, err)
	}
	_ = os.Remove(tmpPath)
	// The new directory entry is only durable once the directory itself is synced.
	if err := m.syncDir(m.baseDir); err != nil {
		return fmt.Errorf("sync %s: %w", m.baseDir, err)
	}
	return nil
}

func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// Delete removes key.
func (m *Medium) Delete(_ context.Context, key string) error {
	fullPath, err := m.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", tracker.ErrNotFound, key)
		}
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (m *Medium) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	fullPath := filepath.Join(m.baseDir, key)

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(m.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if filepath.Dir(cleanFullPath) != cleanBaseDir {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}
