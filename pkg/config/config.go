// Package config loads and saves the entities.json document: the set of
// pools, external containers, syncs, and observers this process owns.
// Everything else (the CLI front end, schema migration, richer validation)
// is out of scope — the core depends only on the narrow Store interface.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blockvault/bvault/pkg/types"
)

// DefaultFileName is the entities document's conventional name under a
// process's data directory.
const DefaultFileName = "entities.json"

// Store loads and saves the entity document.
type Store interface {
	Load() (types.Entities, error)
	Save(entities types.Entities) error
}

// FileStore persists entities.json under a directory, writing through a
// temp file and rename so a crash mid-write never leaves a truncated
// document in place.
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore rooted at dataDir, creating dataDir if
// necessary.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("config: creating data directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dataDir, DefaultFileName)}, nil
}

// Load reads entities.json. A missing file is not an error: it loads as an
// empty document, the state of a freshly initialized process.
func (s *FileStore) Load() (types.Entities, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return types.Entities{}, nil
	}
	if err != nil {
		return types.Entities{}, fmt.Errorf("config: reading %s: %w", s.path, err)
	}

	var entities types.Entities
	if err := json.Unmarshal(data, &entities); err != nil {
		return types.Entities{}, fmt.Errorf("config: parsing %s: %w", s.path, err)
	}
	return entities, nil
}

// Save writes entities.json atomically: marshal to a sibling temp file,
// fsync, then rename over the target.
func (s *FileStore) Save(entities types.Entities) error {
	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling entities: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".entities-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("config: renaming into place: %w", err)
	}
	return nil
}
