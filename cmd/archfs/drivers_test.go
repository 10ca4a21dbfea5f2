package main

import (
	"testing"

	"archfs/internal/config"
	"archfs/internal/iopool"
)

func TestNewRegistry(t *testing.T) {
	t.Setenv("ARCHFS_TEST_PASSPHRASE", "")
	cfg := config.Default()
	cfg.Age.PassphraseEnv = "ARCHFS_TEST_PASSPHRASE"

	reg, err := newRegistry(cfg, iopool.Memory())
	if err != nil {
		t.Fatalf("newRegistry failed: %v", err)
	}
	for name, want := range map[string]string{
		"a.zip":     "zip",
		"a.tar":     "tar",
		"a.tgz":     "tar.gz",
		"a.tar.zst": "tar.zst",
		"a.tar.lz4": "tar.lz4",
	} {
		d, ok := reg.Detect(name)
		if !ok || d.Scheme() != want {
			t.Errorf("Detect(%q) = %v, %v; want scheme %s", name, d, ok, want)
		}
	}
	if _, ok := reg.Detect("a.zip.age"); ok {
		t.Error("Expected no encrypted drivers without keys")
	}
}

func TestNewRegistryEncrypted(t *testing.T) {
	t.Setenv("ARCHFS_TEST_PASSPHRASE", "correct horse battery staple")
	cfg := config.Default()
	cfg.Age.PassphraseEnv = "ARCHFS_TEST_PASSPHRASE"
	cfg.Drivers = []config.DriverConfig{
		{Kind: config.KindZip, Suffixes: []string{".zip", ".cbz"}, Encrypted: true},
		{Kind: config.KindTarGz},
	}

	reg, err := newRegistry(cfg, iopool.Memory())
	if err != nil {
		t.Fatalf("newRegistry failed: %v", err)
	}
	for name, want := range map[string]string{
		"b.cbz":     "zip",
		"b.cbz.age": "zip.age",
		"b.zip.age": "zip.age",
		"b.tar.gz":  "tar.gz",
	} {
		d, ok := reg.Detect(name)
		if !ok || d.Scheme() != want {
			t.Errorf("Detect(%q) = %v, %v; want scheme %s", name, d, ok, want)
		}
	}
	if _, ok := reg.Detect("b.tar.gz.age"); ok {
		t.Error("Expected tar.gz without an encrypted variant")
	}
	if _, ok := reg.Detect("b.tar"); ok {
		t.Error("Expected drivers outside the list to be absent")
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	cfg := config.Default()
	cfg.Drivers = []config.DriverConfig{
		{Kind: config.KindZip},
		{Kind: config.KindTar, Suffixes: []string{".zip"}},
	}
	if _, err := newRegistry(cfg, iopool.Memory()); err == nil {
		t.Error("Expected error for a suffix registered twice")
	}
}
