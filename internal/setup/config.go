package setup

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/grs/internal/config"
)

// LogDir receives the daemon logs.
var LogDir = "/var/log/grs"

// ErrNotConfigured means the namespace configuration has not been written.
var ErrNotConfigured = errors.New("grs is not configured")

// Verify checks that the namespace configuration at path exists.
func Verify(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrNotConfigured, path)
		}
		return fmt.Errorf("check configuration: %w", err)
	}
	return nil
}

// ClearConfig removes the namespace configuration at path. A missing file
// is not an error.
func ClearConfig(path string) error {
	getLogger().Info("clearing configuration file", "path", path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

type starterEntry struct {
	Name string `yaml:"name"`
}

type starterFile struct {
	Systems []starterEntry `yaml:"systems"`
}

// StarterConfig renders a namespace list that relies on the default
// templates for every path.
func StarterConfig(names ...string) ([]byte, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one namespace name is required")
	}
	doc := starterFile{}
	for _, name := range names {
		doc.Systems = append(doc.Systems, starterEntry{Name: name})
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render configuration: %w", err)
	}
	if _, err := config.Parse(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("render configuration: %w", err)
	}
	return data, nil
}

// WriteConfig writes a starter configuration for names to path and creates
// the daemon log directory.
func WriteConfig(path string, names ...string) error {
	data, err := StarterConfig(names...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create configuration directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	if err := os.MkdirAll(LogDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	getLogger().Info("configuration written", "path", path, "namespaces", names)
	return nil
}
