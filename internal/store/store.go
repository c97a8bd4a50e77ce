// Package store persists turn audio on the local filesystem, partitioned by
// kind and date. Writes are atomic so a reader never sees a partial WAV.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Store writes and reads saved audio under a root directory.
type Store struct {
	root string
	log  zerolog.Logger
}

// New creates the root directory if needed.
func New(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	return &Store{root: root, log: log}, nil
}

// KeyFor builds the storage key for one turn's audio.
// Layout: {kind}/{YYYY-MM-DD}/{turnID}_{kind}.wav
func KeyFor(t time.Time, turnID, kind string) string {
	return filepath.Join(kind, t.Format("2006-01-02"), fmt.Sprintf("%s_%s.wav", turnID, kind))
}

// Save writes data under key and returns the absolute path.
func (s *Store) Save(key string, data []byte) (string, error) {
	path := filepath.Join(s.root, key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(dir, ".audio-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename: %w", err)
	}

	s.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("audio saved")
	return path, nil
}

// Open reads the audio stored under key.
func (s *Store) Open(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, key))
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(filepath.Join(s.root, key))
	return err == nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.root }
