package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const sessionFile = "session.yml"

// SessionPath returns where the signed-in identity is persisted for a
// workspace directory.
func SessionPath(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, ".pact", sessionFile)
}

// LoadSession reads a persisted identity. A missing file means signed out.
func LoadSession(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("invalid session file %s: %w", path, err)
	}
	if id.UID == "" {
		return nil, nil
	}
	return &id, nil
}

// SaveSession persists id so later CLI invocations stay signed in.
func SaveSession(path string, id Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ClearSession removes the persisted identity.
func ClearSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
