package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"archfs/internal/config"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archfs.yaml")
	content := "root: /data/\nmount_point: /mnt/a\nsync:\n  interval: 1m\nlog:\n  level: warn\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig([]string{"--config", path, "--mount", "/mnt/b/", "--sync-interval", "5s", "-v"})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Root != "/data" {
		t.Errorf("expected cleaned root from file, got %s", cfg.Root)
	}
	if cfg.MountPoint != "/mnt/b" {
		t.Errorf("expected mount point from flag, got %s", cfg.MountPoint)
	}
	if cfg.Sync.Interval != 5*time.Second {
		t.Errorf("expected interval from flag, got %v", cfg.Sync.Interval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected verbose to select debug, got %s", cfg.Log.Level)
	}
}

func TestLoadConfigRequiresPaths(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	if _, err := loadConfig([]string{"--mount", "/mnt"}); err == nil {
		t.Error("expected error without a source directory")
	}
	if _, err := loadConfig([]string{"--mount", "/mnt", "--source", "/data", "extra"}); err == nil {
		t.Error("expected error for a positional argument")
	}
	if _, err := loadConfig([]string{"--mount", "/mnt", "--source", "/data"}); err != nil {
		t.Errorf("expected flags alone to be enough: %v", err)
	}
}
