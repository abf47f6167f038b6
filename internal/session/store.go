// Package session persists the non-secret session metadata as a JSON file in
// the application directory.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"rainyday/internal/logger"
	"rainyday/pkg/auth"
)

// FileStore keeps one auth.SessionMetadata record at a fixed path.
type FileStore struct {
	path string
}

// NewFileStore creates a store for path. The directory is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the metadata file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored metadata, or nil when there is none. A malformed
// file is deleted and reported as absent.
func (s *FileStore) Load() (*auth.SessionMetadata, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, auth.StorageError("load_metadata", err)
	}

	var meta auth.SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		logger.Warn("Removing malformed session metadata", zap.String("path", s.path), zap.Error(err))
		if err := s.Delete(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &meta, nil
}

// Save writes meta to a temporary file in the same directory and renames it
// over the previous record.
func (s *FileStore) Save(meta *auth.SessionMetadata) error {
	const op = "save_metadata"

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return auth.StorageError(op, fmt.Errorf("failed to create directory %s: %w", dir, err))
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return auth.StorageError(op, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return auth.StorageError(op, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return auth.StorageError(op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return auth.StorageError(op, err)
	}
	if err := tmp.Close(); err != nil {
		return auth.StorageError(op, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return auth.StorageError(op, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return auth.StorageError(op, err)
	}
	return nil
}

// Delete removes the record. Deleting a missing record succeeds.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return auth.StorageError("delete_metadata", err)
	}
	return nil
}
