package store

import (
	"os"
	"path/filepath"

	"github.com/ovrly/overlayd/internal/domain"
)

// ReadCache loads the combined recency-cache document. A missing document
// yields an empty cache.
func (s *Store) ReadCache() (domain.CacheDocument, error) {
	var doc domain.CacheDocument
	_, err := readDoc(s.cachePath(), &doc)
	return doc, err
}

// WriteCache persists the combined recency-cache document.
func (s *Store) WriteCache(doc domain.CacheDocument) error {
	return s.writeDoc(s.cachePath(), doc)
}

func (s *Store) cachePath() string {
	return filepath.Join(s.dir, cacheFile)
}

// Settings is the daemon settings document. Only the broadcast port is
// configurable today; changing it takes effect on the next server restart.
type Settings struct {
	BroadcastPort int `json:"broadcast_port"`
}

// ReadSettings loads the settings document, applying def for any document
// that does not exist yet.
func (s *Store) ReadSettings(def Settings) (Settings, error) {
	out := def
	ok, err := readDoc(s.settingsPath(), &out)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	if out.BroadcastPort < 0 {
		out.BroadcastPort = def.BroadcastPort
	}
	return out, nil
}

// WriteSettings persists the settings document.
func (s *Store) WriteSettings(v Settings) error {
	return s.writeDoc(s.settingsPath(), v)
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.dir, settingsFile)
}

// exists reports whether a document is present at path.
func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
