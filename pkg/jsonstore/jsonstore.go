// Package jsonstore provides a minimal JSON-backed cache for a single
// logical value. It is designed for load-on-start / flush-on-shutdown
// state such as a neuron's model-config cache, not as a database.
package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoCacheDir indicates that no cache root could be determined.
var ErrNoCacheDir = errors.New("failed to determine cache directory")

// DefaultRoot returns the base cache directory under the user's home
// directory, following the conventional ${HOME}/.cache/synapse shape.
// Relying on $HOME rather than platform-specific cache roots keeps
// systemd units and interactive users on the same convention.
func DefaultRoot() (string, error) {
	home, ok := os.LookupEnv("HOME")
	if !ok || home == "" {
		return "", ErrNoCacheDir
	}
	return filepath.Join(home, ".cache", "synapse"), nil
}

// Store persists one JSON document at a fixed path.
type Store struct {
	path string
}

// New creates a store named name under the default cache root.
func New(name string) (*Store, error) {
	root, err := DefaultRoot()
	if err != nil {
		return nil, err
	}
	return WithRoot(root, name)
}

// WithRoot creates a store named name under an explicit root directory.
// Useful for tests and callers that pin state to a working directory.
func WithRoot(root, name string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", root, err)
	}
	return &Store{path: filepath.Join(root, name+".json")}, nil
}

// Path returns the underlying file path of this store.
func (s *Store) Path() string {
	return s.path
}

// Load decodes the stored document into out. A missing file leaves out
// untouched and returns false; a corrupt file returns an error so callers
// can fail loudly rather than degrade silently.
func (s *Store) Load(out any) (bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return true, nil
}

// Save writes the document atomically via a temp file rename.
func (s *Store) Save(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	return nil
}
