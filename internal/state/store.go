// Package state keeps operator settings (gift groups and the global
// target) on disk so they survive restarts.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/group"
)

// fileVersion is bumped when the document layout changes.
const fileVersion = 1

type document struct {
	Version   int           `yaml:"version"`
	Groups    []group.Group `yaml:"groups"`
	Target    int64         `yaml:"target"`
	UpdatedAt time.Time     `yaml:"updatedAt"`
}

// Store reads and writes a single YAML settings file.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the settings file. found is false, with no error, when the
// file does not exist yet.
func (s *Store) Load() (settings engine.Settings, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.Settings{}, false, nil
		}
		return engine.Settings{}, false, fmt.Errorf("reading settings: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return engine.Settings{}, false, fmt.Errorf("parsing settings %s: %w", s.path, err)
	}
	if doc.Version > fileVersion {
		return engine.Settings{}, false, fmt.Errorf("settings %s: unsupported version %d", s.path, doc.Version)
	}
	return engine.Settings{Groups: doc.Groups, Target: doc.Target}, true, nil
}

// Save replaces the settings file atomically: the document is written to
// a temp file in the same directory and renamed over the old one.
func (s *Store) Save(settings engine.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}

	data, err := yaml.Marshal(document{
		Version:   fileVersion,
		Groups:    settings.Groups,
		Target:    settings.Target,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming settings file: %w", err)
	}
	committed = true
	return nil
}
