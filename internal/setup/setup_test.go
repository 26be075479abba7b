package setup

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cochaviz/grs/internal/config"
)

func TestStarterConfigLoads(t *testing.T) {
	t.Parallel()

	data, err := StarterConfig("desktop", "server")
	if err != nil {
		t.Fatalf("StarterConfig() error = %v", err)
	}
	cfg, err := config.Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	names := cfg.Names()
	if len(names) != 2 || names[0] != "desktop" || names[1] != "server" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestStarterConfigRejectsBadNames(t *testing.T) {
	t.Parallel()

	if _, err := StarterConfig(); err == nil {
		t.Fatal("StarterConfig() error = nil, want error without names")
	}
	if _, err := StarterConfig("desktop", "desktop"); err == nil {
		t.Fatal("StarterConfig() error = nil, want error for duplicate names")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	previous := LogDir
	LogDir = filepath.Join(dir, "log")
	t.Cleanup(func() { LogDir = previous })

	path := filepath.Join(dir, "etc", "systems.yaml")
	if err := WriteConfig(path, "desktop"); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := cfg.Lookup("desktop"); !ok {
		t.Fatal("Lookup(desktop) missing")
	}
}

func TestVerifyAndClearConfig(t *testing.T) {
	dir := t.TempDir()
	previous := LogDir
	LogDir = filepath.Join(dir, "log")
	t.Cleanup(func() { LogDir = previous })

	path := filepath.Join(dir, "systems.yaml")
	if err := Verify(path); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Verify() error = %v, want ErrNotConfigured", err)
	}
	if err := WriteConfig(path, "desktop"); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := ClearConfig(path); err != nil {
		t.Fatalf("ClearConfig() error = %v", err)
	}
	if err := Verify(path); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Verify() after clear error = %v, want ErrNotConfigured", err)
	}
	if err := ClearConfig(path); err != nil {
		t.Fatalf("ClearConfig() on a missing file error = %v", err)
	}
}
