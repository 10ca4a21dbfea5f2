package kernel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

func TestReadLockedEscalation(t *testing.T) {
	f := newFixture(t)
	h := f.handle("a.zip")
	f.write(h, "f", "x")
	f.sync(SyncDefault)

	err := h.ReadLocked(f.ctx, func(ctx context.Context) error {
		if _, err := h.Node(ctx, name("f")); !errors.Is(err, ErrLockEscalation) {
			t.Errorf("Expected mounting under a held read lock to fail, got %v", err)
		}
		if err := h.Make(ctx, entry.NoOptions, name("g"), entry.File, nil); !errors.Is(err, ErrLockEscalation) {
			t.Errorf("Expected make under a held read lock to fail, got %v", err)
		}
		if err := h.Sync(ctx, SyncDefault); !errors.Is(err, ErrLockEscalation) {
			t.Errorf("Expected sync under a held read lock to fail, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Once mounted, reads need no escalation.
	if _, err := h.Node(f.ctx, vpath.Root); err != nil {
		t.Fatal(err)
	}
	err = h.ReadLocked(f.ctx, func(ctx context.Context) error {
		n, err := h.Node(ctx, name("f"))
		if err != nil {
			return err
		}
		if n.Size(entry.DataSize) != 1 {
			t.Errorf("Expected size 1, got %d", n.Size(entry.DataSize))
		}
		return nil
	})
	if err != nil {
		t.Errorf("Read under held read lock failed: %v", err)
	}
}

func TestReadLockedRefusesClose(t *testing.T) {
	f := newFixture(t)
	h := f.handle("a.zip")
	f.write(h, "f", "x")
	f.sync(SyncDefault)
	if _, err := h.Node(f.ctx, vpath.Root); err != nil {
		t.Fatal(err)
	}

	var w io.WriteCloser
	err := h.ReadLocked(f.ctx, func(ctx context.Context) error {
		var err error
		w, err = h.Output(entry.NoOptions, name("g"), nil).Stream(ctx)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, "y"); err != nil {
			return err
		}

		done := make(chan error, 2)
		go func() {
			done <- w.Close()
			done <- socket.Abort(w)
		}()
		for _, op := range []string{"Close", "Abort"} {
			select {
			case err := <-done:
				if !errors.Is(err, ErrLockEscalation) {
					t.Errorf("Expected %s under a held read lock to fail, got %v", op, err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("%s under a held read lock deadlocked", op)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Outside the scope the stream commits normally.
	if err := w.Close(); err != nil {
		t.Fatalf("Close after the scope failed: %v", err)
	}
	if got := f.read(h, "g"); got != "y" {
		t.Errorf("Expected committed content, got %q", got)
	}
}

func TestWriterWaitsForReaders(t *testing.T) {
	f := newFixture(t)
	h := f.handle("a.zip")
	f.write(h, "f", "x")

	const readers = 3
	var inside sync.WaitGroup
	inside.Add(readers)
	release := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			return h.ReadLocked(f.ctx, func(ctx context.Context) error {
				inside.Done()
				<-release
				// The writer is still queued behind this reader.
				if _, err := h.Node(ctx, name("g")); !errors.Is(err, ErrNotExist) {
					t.Errorf("Expected g to be absent while readers hold the lock, got %v", err)
				}
				return nil
			})
		})
	}
	inside.Wait()

	var made atomic.Bool
	var writer errgroup.Group
	writer.Go(func() error {
		err := h.Make(f.ctx, entry.NoOptions, name("g"), entry.Directory, nil)
		made.Store(true)
		return err
	})

	time.Sleep(50 * time.Millisecond)
	if made.Load() {
		t.Error("Make returned while readers held the lock")
	}
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("Readers failed: %v", err)
	}
	if err := writer.Wait(); err != nil {
		t.Fatalf("Make failed: %v", err)
	}
	if !made.Load() {
		t.Error("Make did not complete after readers released")
	}
	if n, err := h.Node(f.ctx, name("g")); err != nil || !n.IsDir() {
		t.Errorf("Expected directory g after readers released, got %v", err)
	}
}

func TestReadLockedIsShared(t *testing.T) {
	f := newFixture(t)
	h := f.handle("a.zip")
	f.write(h, "f", "x")

	const readers = 4
	var inside sync.WaitGroup
	inside.Add(readers)
	g, ctx := errgroup.WithContext(f.ctx)
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			return h.ReadLocked(ctx, func(ctx context.Context) error {
				inside.Done()
				// Every reader holds the lock at once or none gets past here.
				inside.Wait()
				_, err := h.Node(ctx, name("f"))
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent reads failed: %v", err)
	}
}

func TestSyncBusyWhileLocked(t *testing.T) {
	f := newFixture(t)
	h := f.handle("a.zip")
	f.write(h, "f", "x")

	locked := make(chan struct{})
	release := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		return h.ReadLocked(f.ctx, func(context.Context) error {
			close(locked)
			<-release
			return nil
		})
	})
	<-locked

	err := h.Sync(f.ctx, SyncDefault)
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("Expected BusyError, got %v", err)
	}
	if busy.Inputs != 0 || busy.Outputs != 0 {
		t.Errorf("Expected no open streams, got %d inputs and %d outputs", busy.Inputs, busy.Outputs)
	}
	if !errors.Is(err, ErrBusy) {
		t.Error("Expected BusyError to match ErrBusy")
	}

	close(release)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := h.Sync(f.ctx, SyncDefault); err != nil {
		t.Errorf("Sync after release failed: %v", err)
	}
}

func TestSyncWaitClose(t *testing.T) {
	f := newFixture(t)
	h := f.handle("a.zip")
	f.write(h, "f", "x")
	f.sync(SyncDefault)
	f.write(h, "g", "y")

	r, err := h.Input(name("f")).Stream(f.ctx)
	if err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	g.Go(func() error {
		time.Sleep(50 * time.Millisecond)
		if _, err := io.ReadAll(r); err != nil {
			return err
		}
		return r.Close()
	})

	if err := h.Sync(f.ctx, SyncDefault|SyncWaitClose); err != nil {
		t.Fatalf("Sync waiting for streams failed: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	if h.Model().Touched() {
		t.Error("Expected archive to be committed")
	}
	if got := f.read(h, "g"); got != "y" {
		t.Errorf("Expected committed content, got %q", got)
	}
}

func TestSyncWaitCloseCanceled(t *testing.T) {
	f := newFixture(t)
	h := f.handle("a.zip")
	f.write(h, "f", "x")

	r, err := h.Input(name("f")).Stream(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	if err := h.Sync(ctx, SyncDefault|SyncWaitClose); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline, got %v", err)
	}
	if !h.Model().Touched() {
		t.Error("Expected changes to survive a canceled sync")
	}
}
