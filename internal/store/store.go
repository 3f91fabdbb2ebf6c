// Package store implements the operator-local persistence layer: alert
// templates and reward mappings as per-id JSON documents, the combined
// recency-cache document, and the daemon settings document. All documents
// live under a single data directory that is created on first use.
//
// The on-disk format is shared with the desktop editor UI, so this package
// deliberately stores plain JSON files rather than a database. Writes are
// atomic (write to a temp file, then rename) so a crash mid-write never
// leaves a truncated document behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Subdirectories of the data dir holding per-id documents.
const (
	templatesDir = "templates"
	mappingsDir  = "mappings"
)

// Well-known document names inside the data dir.
const (
	cacheFile    = "cache.json"
	settingsFile = "settings.json"
)

// ErrEmptyID is returned when a caller passes an empty template or reward id.
var ErrEmptyID = errors.New("id must not be empty")

// Store provides document persistence under a single data directory.
// It is safe for concurrent use; writes are serialized per Store.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New opens (and if necessary creates) the data directory and its
// subdirectories, returning a ready Store.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("data directory must not be empty")
	}
	for _, d := range []string{dir, filepath.Join(dir, templatesDir), filepath.Join(dir, mappingsDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root data directory.
func (s *Store) Dir() string { return s.dir }

// docPath maps an id to its JSON document path inside sub. Path separators
// in ids are flattened so an id can never escape the data directory.
func (s *Store) docPath(sub, id string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, id)
	return filepath.Join(s.dir, sub, safe+".json")
}

// readDoc unmarshals the JSON document at path into out. It reports
// (false, nil) when the document does not exist.
func readDoc(path string, out any) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeDoc atomically writes v as indented JSON to path.
func (s *Store) writeDoc(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}
