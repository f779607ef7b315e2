// Package blob stores the raw payloads that cold entries point at.
//
// Blobs are write-once: putting the same bytes under an existing key is a
// no-op, putting different bytes is an error. Cold memory only ever holds a
// location string; callers resolve it through the same Store.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Get for an unknown location.
	ErrNotFound = errors.New("blob not found")

	// ErrConflict is returned by Put when the key already holds other bytes.
	ErrConflict = errors.New("blob already exists with different content")
)

// Store is blob storage addressed by key.
type Store interface {
	// Put writes data under key and returns its storage location.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get reads the blob at location.
	Get(ctx context.Context, location string) ([]byte, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9][A-Za-z0-9._-]*)*$`)

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

const (
	fsScheme  = "file://"
	memScheme = "mem://"
)

// FS stores blobs as files under a root directory.
type FS struct {
	mu   sync.Mutex
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	return &FS{root: abs}, nil
}

// Put writes atomically via a temp file and rename.
func (s *FS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, filepath.FromSlash(key))
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !bytes.Equal(existing, data) {
			return "", fmt.Errorf("blob put %s: %w", key, ErrConflict)
		}
		return fsScheme + key, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}
	return fsScheme + key, nil
}

// Get reads a file:// location.
func (s *FS) Get(ctx context.Context, location string) ([]byte, error) {
	key, ok := strings.CutPrefix(location, fsScheme)
	if !ok {
		return nil, fmt.Errorf("blob get: unsupported location %q", location)
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob get %s: %w", location, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob get %s: %w", location, err)
	}
	return data, nil
}

// Memory keeps blobs in a map. Used by tests and the scenario harness.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put stores a copy of data.
func (m *Memory) Put(_ context.Context, key string, data []byte) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.blobs[key]; ok {
		if !bytes.Equal(existing, data) {
			return "", fmt.Errorf("blob put %s: %w", key, ErrConflict)
		}
		return memScheme + key, nil
	}
	m.blobs[key] = bytes.Clone(data)
	return memScheme + key, nil
}

// Get returns a copy of the stored bytes.
func (m *Memory) Get(_ context.Context, location string) ([]byte, error) {
	key, ok := strings.CutPrefix(location, memScheme)
	if !ok {
		return nil, fmt.Errorf("blob get: unsupported location %q", location)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob get %s: %w", location, ErrNotFound)
	}
	return bytes.Clone(data), nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
