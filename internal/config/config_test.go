package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archfs.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Pool.Kind != PoolMemory {
		t.Errorf("expected pool kind %s, got %s", PoolMemory, cfg.Pool.Kind)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("expected sync interval 30s, got %v", cfg.Sync.Interval)
	}
	if len(cfg.Drivers) != len(Kinds) {
		t.Errorf("expected a driver per kind, got %d", len(cfg.Drivers))
	}

	// Root and mount point have no defaults
	if err := cfg.Validate(); err == nil {
		t.Error("expected defaults without root to be invalid")
	}
	cfg.Root, cfg.MountPoint = "/data", "/mnt"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults with paths to be valid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("ARCHFS_TEST_DATA", "/srv/data")
	path := writeConfig(t, `
root: ${ARCHFS_TEST_DATA}/archives
mount_point: ${ARCHFS_TEST_MNT:-/mnt/archfs}
allow_other: true

log:
  level: debug
  format: json

pool:
  kind: file
  temp_dir: ${ARCHFS_ROOT}/.staging

backup:
  count: 3

sync:
  interval: 1m
  retry_for: 5s

drivers:
  - kind: zip
    suffixes: [".zip", ".jar"]
    encrypted: true
  - kind: tar.zst
    level: 3
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Root != "/srv/data/archives" {
		t.Errorf("expected root=/srv/data/archives, got %s", cfg.Root)
	}
	if cfg.MountPoint != "/mnt/archfs" {
		t.Errorf("expected default mount point, got %s", cfg.MountPoint)
	}
	if cfg.Pool.TempDir != "/srv/data/archives/.staging" {
		t.Errorf("expected temp dir below root, got %s", cfg.Pool.TempDir)
	}
	if !cfg.AllowOther {
		t.Error("expected allow_other=true")
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Log.Output != "stderr" {
		t.Errorf("expected default log output to survive, got %q", cfg.Log.Output)
	}
	if cfg.Backup.Count != 3 {
		t.Errorf("expected backup count 3, got %d", cfg.Backup.Count)
	}
	if cfg.Sync.Interval != time.Minute || cfg.Sync.RetryFor != 5*time.Second {
		t.Errorf("unexpected sync config %+v", cfg.Sync)
	}

	if len(cfg.Drivers) != 2 {
		t.Fatalf("expected the file to replace the driver list, got %d drivers", len(cfg.Drivers))
	}
	if got := strings.Join(cfg.Drivers[0].Suffixes, ","); got != ".zip,.jar" {
		t.Errorf("unexpected zip suffixes %s", got)
	}
	if cfg.Drivers[1].Level != 3 || cfg.Drivers[1].Encrypted {
		t.Errorf("unexpected tar.zst driver %+v", cfg.Drivers[1])
	}
	if !cfg.Encrypted() {
		t.Error("expected an encrypted driver")
	}
}

func TestLoadUsesEnvironment(t *testing.T) {
	path := writeConfig(t, "root: /from/env\nmount_point: /mnt\n")
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Root != "/from/env" {
		t.Errorf("expected root from %s, got %s", EnvConfig, cfg.Root)
	}

	t.Setenv(EnvConfig, "")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load without a file failed: %v", err)
	}
	if cfg.Root != "" {
		t.Errorf("expected defaults, got root %s", cfg.Root)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
	if _, err := LoadFile(writeConfig(t, "root: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"MissingMountPoint", func(c *Config) { c.MountPoint = "" }, "mount_point is required"},
		{"LogFormat", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"LogLevel", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"PoolKind", func(c *Config) { c.Pool.Kind = "disk" }, "pool.kind"},
		{"Backups", func(c *Config) { c.Backup.Count = -1 }, "backup.count"},
		{"Interval", func(c *Config) { c.Sync.Interval = -time.Second }, "sync durations"},
		{"NoDrivers", func(c *Config) { c.Drivers = nil }, "at least one driver"},
		{"DriverKind", func(c *Config) { c.Drivers = []DriverConfig{{Kind: "rar"}} }, "drivers[0].kind"},
		{"Suffix", func(c *Config) { c.Drivers = []DriverConfig{{Kind: KindZip, Suffixes: []string{"zip"}}} }, "must start with a dot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Root, cfg.MountPoint = "/data", "/mnt"
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
