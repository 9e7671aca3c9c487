// Package manifest handles retrace.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a retrace.toml project configuration.
type Manifest struct {
	Project Project   `toml:"project"`
	Run     RunConfig `toml:"run"`

	// Dir is the directory containing the retrace.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`
}

// RunConfig configures instrumented runs.
type RunConfig struct {
	// CallbackAt is the initial callback threshold; 0 disables callbacks.
	CallbackAt uint64 `toml:"callback_at"`

	// Ambient runs on the caller's VM instead of an isolated instance.
	Ambient bool `toml:"ambient"`

	// TrackProvenance enables the provenance tracker.
	TrackProvenance bool `toml:"track_provenance"`

	// Store is the method store path, relative to the manifest directory.
	Store string `toml:"store"`
}

// Load parses a retrace.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "retrace.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults. An explicit callback_at = 0 means "disabled" and is kept.
	if m.Run.CallbackAt == 0 && !hasRunKey(data, "callback_at") {
		m.Run.CallbackAt = 1
	}
	if m.Run.Store == "" {
		m.Run.Store = "methods.db"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a retrace.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "retrace.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// StorePath returns the absolute path of the configured method store.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Run.Store) {
		return m.Run.Store
	}
	return filepath.Join(m.Dir, m.Run.Store)
}

// hasRunKey reports whether the raw TOML sets a key in [run],
// distinguishing an explicit zero from an absent one.
func hasRunKey(data []byte, key string) bool {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return false
	}
	run, ok := raw["run"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = run[key]
	return ok
}
