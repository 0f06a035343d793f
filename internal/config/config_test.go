package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Addr == "" {
		t.Fatal("expected a default addr")
	}
	if cfg.MaxConnections <= 0 {
		t.Fatal("expected a positive default max connections")
	}
}

func TestParseFlagsOverridesDefaults(t *testing.T) {
	cfg := Default()
	if err := ParseFlags(&cfg, []string{"-addr", ":9999", "-password", "hunter2"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("got addr %q, want :9999", cfg.Addr)
	}
	if cfg.Password != "hunter2" {
		t.Fatalf("got password %q, want hunter2", cfg.Password)
	}
}

func TestLoadYAMLThenFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("addr: \":1234\"\nmax_connections: 10\n"), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := Load(path, []string{"-addr", ":5555"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":5555" {
		t.Fatalf("expected flag to override yaml addr, got %q", cfg.Addr)
	}
	if cfg.MaxConnections != 10 {
		t.Fatalf("expected yaml max_connections to apply, got %d", cfg.MaxConnections)
	}
}

func TestLoadMissingYAMLFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != Default().Addr {
		t.Fatalf("expected defaults to apply when yaml file is absent")
	}
}
