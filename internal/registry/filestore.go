package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/thatjpcsguy/minipaas/internal/fsutil"
)

// FileStore keeps the registry in a single JSON state file
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the JSON file at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing or empty file is an empty registry.
func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewSnapshot(), nil
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, s.path, err)
	}

	return snap, nil
}

// Save rewrites the state file atomically
func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Close is a no-op for the file store
func (s *FileStore) Close() error {
	return nil
}
