package iopool

import (
	"errors"
	"io"
	"os"
	"testing"
)

func TestPools(t *testing.T) {
	pools := map[string]Pool{
		"memory":   Memory(),
		"tempfile": TempFile(t.TempDir()),
	}
	for name, pool := range pools {
		t.Run(name, func(t *testing.T) {
			buf, err := pool.Allocate()
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			if _, err := buf.Write([]byte("hello ")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if _, err := buf.Write([]byte("world")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if buf.Size() != 11 {
				t.Errorf("Size = %d, want 11", buf.Size())
			}

			data, err := io.ReadAll(buf.Reader())
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if string(data) != "hello world" {
				t.Errorf("content = %q", data)
			}

			p := make([]byte, 5)
			n, err := buf.ReadAt(p, 6)
			if n != 5 || string(p) != "world" {
				t.Errorf("ReadAt = %d %q %v", n, p, err)
			}
			if _, err := buf.ReadAt(p, 8); !errors.Is(err, io.EOF) {
				t.Errorf("short ReadAt should report EOF, got %v", err)
			}

			if err := buf.Release(); err != nil {
				t.Fatalf("Release failed: %v", err)
			}
			if err := buf.Release(); !errors.Is(err, ErrReleased) {
				t.Errorf("second Release = %v, want ErrReleased", err)
			}
			if _, err := buf.Write([]byte("x")); !errors.Is(err, ErrReleased) {
				t.Errorf("Write after Release = %v, want ErrReleased", err)
			}
		})
	}
}

func TestTempFileReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	buf, err := TempFile(dir).Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected one temp file, got %d", len(entries))
	}
	if err := buf.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	entries, _ = os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %v", entries)
	}
}
