// Package manifest holds the declarative script manifest and the pure
// planning logic that compares a device's reported script hashes
// against it.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"epc-control/internal/store"
)

// ScriptSpec describes one expected script: its content hash, where to
// fetch it from, where it installs, and its permission bits.
type ScriptSpec struct {
	SHA256      string `json:"sha256"`
	URL         string `json:"url"`
	InstallPath string `json:"install_path"`
	Mode        string `json:"mode,omitempty"`
}

// Manifest is the versioned source of truth for expected scripts.
// Immutable between publishes; replaced wholesale, never patched.
type Manifest struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Scripts   map[string]ScriptSpec `json:"scripts"`
}

// DefaultMode is applied to scripts whose spec omits permission bits.
const DefaultMode = "0755"

// Validate checks a manifest before publish. Every script needs a
// hash, a source URL, and an install path.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("manifest version is required")
	}
	if len(m.Scripts) == 0 {
		return errors.New("manifest must list at least one script")
	}
	for name, spec := range m.Scripts {
		if name == "" {
			return errors.New("script name must not be empty")
		}
		if spec.SHA256 == "" {
			return fmt.Errorf("script %q: sha256 is required", name)
		}
		if spec.URL == "" {
			return fmt.Errorf("script %q: url is required", name)
		}
		if spec.InstallPath == "" {
			return fmt.Errorf("script %q: install_path is required", name)
		}
	}
	return nil
}

// FromRecord decodes the stored manifest row.
func FromRecord(rec *store.ManifestRecord) (Manifest, error) {
	m := Manifest{Version: rec.Version, UpdatedAt: rec.UpdatedAt}
	if err := json.Unmarshal(rec.Scripts, &m.Scripts); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest scripts: %w", err)
	}
	return m, nil
}

// ScriptsJSON encodes the script map for storage.
func (m *Manifest) ScriptsJSON() ([]byte, error) {
	return json.Marshal(m.Scripts)
}
