package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrManifestInvalid is returned when a manifest fails validation
	ErrManifestInvalid = errors.New("manifest invalid")

	// ErrManifestNotFound is returned when a directory has no manifest file
	ErrManifestNotFound = errors.New("manifest not found")
)

// FileNames are the manifest file names looked up in a plugin directory, in
// order of preference.
var FileNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Parse decodes manifest bytes. YAML is accepted when the content does not
// look like a JSON object.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty manifest", ErrManifestInvalid)
	}

	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: failed to parse manifest: %v", ErrManifestInvalid, err)
		}
		return &m, nil
	}

	if err := yaml.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %v", ErrManifestInvalid, err)
	}
	return &m, nil
}

// Load reads and parses a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// LoadFromDir finds the manifest in dir and parses it
func LoadFromDir(dir string) (*Manifest, string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			m, err := Load(path)
			return m, path, err
		}
	}
	return nil, "", fmt.Errorf("%w in %s", ErrManifestNotFound, dir)
}

// Save writes a manifest as JSON or YAML depending on the file extension
func Save(m *Manifest, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m)
	default:
		data, err = json.MarshalIndent(m, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the manifest
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
