package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"archfs/internal/config"
	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/kernel"
	"archfs/internal/vfs"
)

func setupSyncer(t *testing.T) (*syncer, *vfs.FS, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Age.PassphraseEnv = ""
	reg, err := newRegistry(cfg, iopool.Memory())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	mgr := kernel.NewManager(kernel.Options{Drivers: reg})
	return &syncer{mgr: mgr, interval: 10 * time.Millisecond, retryFor: time.Second}, vfs.New(mgr, dir), dir
}

func TestSyncOnceRetriesBusy(t *testing.T) {
	ctx := context.Background()
	s, v, dir := setupSyncer(t)

	w, err := v.Create(ctx, "a.zip/f", entry.CreateParents)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		w.Close()
	}()

	if err := s.syncOnce(ctx, periodicSync); err != nil {
		t.Fatalf("syncOnce failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.zip")); err != nil {
		t.Errorf("Expected archive to be written: %v", err)
	}
}

func TestSyncOnceGivesUp(t *testing.T) {
	ctx := context.Background()
	s, v, _ := setupSyncer(t)
	s.retryFor = 300 * time.Millisecond

	w, err := v.Create(ctx, "a.zip/f", entry.CreateParents)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := s.syncOnce(ctx, periodicSync); !errors.Is(err, kernel.ErrBusy) {
		t.Errorf("Expected ErrBusy after retries, got %v", err)
	}
}

func TestRunSyncsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, v, dir := setupSyncer(t)

	if err := v.WriteFile(ctx, "b.tar/f", []byte("data")); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "b.tar")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Archive was not written by the periodic sync")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
