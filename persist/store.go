// Package persist stores the small set of Coordinator settings that must
// survive a process restart: auto-balance configuration and the shared
// limiter's settings. The stream set itself is never persisted, since a
// live capture handle cannot be resumed across restarts.
package persist

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/algo-dsp/events"
)

// Document is the on-disk YAML layout: the two persisted settings keys
// named in §6, nothing else.
type Document struct {
	AutoBalance events.AutoBalanceSettings `yaml:"auto_balance"`
	Limiter     events.LimiterSettings     `yaml:"limiter"`
}

// Store reads and writes a Document to a single YAML file.
type Store struct {
	path string
}

// NewStore returns a Store backed by the given file path. The file need
// not exist yet; Load returns defaults in that case.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted document, or returns default settings if the
// file does not exist.
func (s *Store) Load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{
				AutoBalance: events.DefaultAutoBalanceSettings(),
				Limiter:     events.DefaultLimiterSettings(),
			}, nil
		}

		return Document{}, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}

	return doc, nil
}

// Save writes doc to the store's file, creating or truncating it.
func (s *Store) Save(doc Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o644)
}
