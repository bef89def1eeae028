// Package manifest handles omg.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents an omg.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Run     Run     `toml:"run"`
	Cache   Cache   `toml:"cache"`

	// Dir is the directory containing the omg.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Run configures what to execute.
type Run struct {
	// Image is the compiled .omgb or .omgbundle to run, relative to Dir.
	Image string `toml:"image"`
	// Args is the default argument vector for the program.
	Args []string `toml:"args"`
}

// Cache configures the compiled-image cache.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load parses an omg.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "omg.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	m.Dir = dir
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the fields that later stages rely on.
func (m *Manifest) Validate() error {
	if m.Project.Name == "" {
		return fmt.Errorf("project.name is required")
	}
	if m.Run.Image == "" {
		return fmt.Errorf("run.image is required")
	}
	return nil
}

// ImagePath resolves the configured image relative to the manifest dir.
func (m *Manifest) ImagePath() string {
	if filepath.IsAbs(m.Run.Image) {
		return m.Run.Image
	}
	return filepath.Join(m.Dir, m.Run.Image)
}

// CachePath resolves the cache location, defaulting next to the manifest.
func (m *Manifest) CachePath() string {
	if m.Cache.Path == "" {
		return filepath.Join(m.Dir, ".omg-cache.db")
	}
	if filepath.IsAbs(m.Cache.Path) {
		return m.Cache.Path
	}
	return filepath.Join(m.Dir, m.Cache.Path)
}
