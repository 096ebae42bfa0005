package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
environments:
  - name: web
    kind: container
    image: debian:12
    recipes:
      - web.rcp
isolation:
  max_concurrent: 5
database_path: /var/lib/kiln/kiln.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.Environments) != 1 || cfg.Environments[0].Name != "web" {
		t.Fatalf("environments not parsed: %+v", cfg.Environments)
	}
	if cfg.Isolation.MaxConcurrent != 5 {
		t.Errorf("override lost: max_concurrent=%d", cfg.Isolation.MaxConcurrent)
	}
	if cfg.DatabasePath != "/var/lib/kiln/kiln.db" {
		t.Errorf("override lost: database_path=%s", cfg.DatabasePath)
	}

	// Fields the file does not mention keep their defaults.
	defaults := DefaultConfig()
	if cfg.Isolation.PortRangeStart != defaults.Isolation.PortRangeStart {
		t.Errorf("default port range lost: %d", cfg.Isolation.PortRangeStart)
	}
	if cfg.Cleanup.MaxAge != defaults.Cleanup.MaxAge {
		t.Errorf("default cleanup age lost: %s", cfg.Cleanup.MaxAge)
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `
environments:
  - name: web
    kind: chroot
    image: debian:12
`)
	if _, err := Load(path); err == nil {
		t.Error("unknown environment kind must be rejected")
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
environments:
  - name: web
    kind: container
`)
	if _, err := Load(path); err == nil {
		t.Error("environment without an image must be rejected")
	}
}

func TestLoadRejectsInvertedPortRange(t *testing.T) {
	path := writeConfig(t, `
isolation:
  port_range_start: 31000
  port_range_end: 30000
`)
	if _, err := Load(path); err == nil {
		t.Error("inverted port range must be rejected")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing config file must error")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Cleanup.MaxAge != 24*time.Hour {
		t.Errorf("unexpected default cleanup age %s", cfg.Cleanup.MaxAge)
	}
}
