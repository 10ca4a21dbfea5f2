package kernel

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hashicorp/go-multierror"

	"archfs/internal/entry"
	"archfs/internal/vpath"
)

func TestSyncAggregatesFailures(t *testing.T) {
	f := newFixture(t)
	good := f.handle("good.zip")
	broken := f.handle("broken.bad")
	outer := f.handle("outer.zip")
	inner := f.handle("outer.zip/inner.bad")
	f.write(good, "f", "good")
	f.write(broken, "f", "lost")
	f.write(outer, "readme", "outer")
	f.write(inner, "f", "lost")

	err := f.mgr.Sync(f.ctx, SyncDefault)
	if err == nil {
		t.Fatal("Expected sync to fail")
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("Expected driver failure in %v", err)
	}
	if !errors.Is(err, ErrNestedSync) {
		t.Errorf("Expected skipped parent in %v", err)
	}
	if IsSyncWarning(err) {
		t.Error("Failures reported as warnings")
	}

	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("Expected multierror, got %T", err)
	}
	failed := map[string]error{}
	for _, e := range merr.Errors {
		var serr *SyncError
		if !errors.As(e, &serr) {
			t.Fatalf("Expected SyncError, got %T: %v", e, e)
		}
		failed[serr.MountPoint.String()] = serr.Err
	}
	for _, h := range []*Handle{broken, outer, inner} {
		if _, ok := failed[h.MountPoint().String()]; !ok {
			t.Errorf("No failure reported for %s", h.MountPoint())
		}
		if !h.Model().Touched() {
			t.Errorf("Expected %s to keep its changes", h.MountPoint())
		}
	}
	if len(failed) != 3 {
		t.Errorf("Expected 3 failures, got %v", failed)
	}

	if good.Model().Touched() {
		t.Error("Unrelated archive was not committed")
	}
	if got := f.read(good, "f"); got != "good" {
		t.Errorf("Unexpected content %q", got)
	}
}

func TestIsSyncWarning(t *testing.T) {
	mp := vpath.Host("/tmp")
	warning := &SyncError{MountPoint: mp, Err: errors.New("close failed"), Warning: true}
	failure := &SyncError{MountPoint: mp, Err: errDiskFull}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errDiskFull, false},
		{"warning", warning, true},
		{"failure", failure, false},
		{"all warnings", multierror.Append(nil, warning, warning), true},
		{"mixed", multierror.Append(nil, warning, failure), false},
		{"empty", &multierror.Error{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSyncWarning(tt.err); got != tt.want {
				t.Errorf("IsSyncWarning(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHandlesChildrenFirst(t *testing.T) {
	f := newFixture(t)
	handles := []*Handle{
		f.handle("a.zip"),
		f.handle("a.zip/b.tar"),
		f.handle("a.zip/b.tar/c.zip"),
		f.handle("d.zip"),
	}

	pos := map[string]int{}
	for i, h := range f.mgr.Handles(f.host().String()) {
		pos[h.MountPoint().String()] = i
	}
	for _, h := range handles {
		mp := h.MountPoint()
		parent, _ := mp.Parent()
		if pos[mp.String()] >= pos[parent.String()] {
			t.Errorf("%s listed after its parent %s", mp, parent)
		}
	}

	nested := f.mgr.Handles(handles[0].MountPoint().String())
	if len(nested) != 3 {
		t.Errorf("Expected a.zip and its two nested archives, got %d handles", len(nested))
	}
	for _, h := range nested {
		if !strings.HasPrefix(h.MountPoint().String(), handles[0].MountPoint().String()) {
			t.Errorf("Unexpected handle %s", h.MountPoint())
		}
	}
	runtime.KeepAlive(handles)
}

func TestSyncReleasesIdleNestedArchives(t *testing.T) {
	f := newFixture(t)
	outer := f.handle("outer.zip")
	inner := f.handle("outer.zip/inner.zip")
	f.write(inner, "x.txt", "x")
	f.sync(SyncDefault)

	// Reading mounts inner from a channel on outer's entry.
	if got := f.read(inner, "x.txt"); got != "x" {
		t.Fatalf("Unexpected content %q", got)
	}
	f.write(outer, "y.txt", "y")

	for i := 0; i < 2; i++ {
		if err := f.mgr.Sync(f.ctx, 0); err != nil {
			t.Fatalf("Sync %d failed: %v", i, err)
		}
	}
	if outer.Model().Touched() {
		t.Error("Expected outer.zip to be committed")
	}
	if inner.Model().Mounted() {
		t.Error("Expected idle inner.zip to be released")
	}
	if got := f.read(f.handle("outer.zip"), "y.txt"); got != "y" {
		t.Errorf("Unexpected content %q", got)
	}
	if got := f.read(inner, "x.txt"); got != "x" {
		t.Errorf("Unexpected nested content %q", got)
	}
}

func TestSyncKeepsBusyNestedArchive(t *testing.T) {
	f := newFixture(t)
	outer := f.handle("outer.zip")
	inner := f.handle("outer.zip/inner.zip")
	f.write(inner, "x.txt", "x")
	f.sync(SyncDefault)

	r, err := inner.Input(name("x.txt")).Stream(f.ctx)
	if err != nil {
		t.Fatalf("Failed to open x.txt: %v", err)
	}
	f.write(outer, "y.txt", "y")

	err = f.mgr.Sync(f.ctx, 0)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("Expected outer.zip to be busy while inner.zip is read, got %v", err)
	}
	if !inner.Model().Mounted() {
		t.Error("Expected inner.zip to stay mounted under an open reader")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	f.sync(0)
	if outer.Model().Touched() {
		t.Error("Expected outer.zip to be committed once the reader closed")
	}
}

func TestHandleIdentity(t *testing.T) {
	f := newFixture(t)
	a := f.handle("a.zip")
	if b := f.handle("a.zip"); a != b {
		t.Error("Expected the same handle for the same mount point")
	}
	if a.Parent() == nil {
		t.Fatal("Expected nested handle to have a parent")
	}
	if a.Parent().Model() != f.handle("").Model() {
		t.Error("Expected parent to be the host handle")
	}

	_, err := f.mgr.Controller(f.host().Nest("nope", name("x.nope")), nil)
	if err == nil {
		t.Error("Expected error for unknown scheme")
	}
}

func (f *fixture) live(p string) bool {
	key := f.mountPoint(p).String()
	for _, h := range f.mgr.Handles(key) {
		if h.MountPoint().String() == key {
			return true
		}
	}
	return false
}

func collect() {
	runtime.GC()
	runtime.GC()
}

func TestIdleHandlesAreCollected(t *testing.T) {
	f := newFixture(t)
	func() {
		f.handle("idle.zip")
		f.write(f.handle("busy.zip"), "f", "x")
	}()
	collect()

	if f.live("idle.zip") {
		t.Error("Expected unused handle to be collected")
	}
	if !f.live("busy.zip") {
		t.Fatal("Expected touched handle to stay pinned")
	}

	f.sync(SyncDefault)
	collect()
	if f.live("busy.zip") {
		t.Error("Expected handle to be released after sync")
	}

	// A new handle mounts the committed archive again.
	if got := f.read(f.handle("busy.zip"), "f"); got != "x" {
		t.Errorf("Unexpected content %q", got)
	}
}

// countingController counts calls to every operation it forwards.
type countingController struct {
	Controller
	calls *atomic.Int64
}

func (c *countingController) Node(ctx context.Context, name vpath.NodeName) (*Node, error) {
	c.calls.Add(1)
	return c.Controller.Node(ctx, name)
}

func (c *countingController) Make(ctx context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error {
	c.calls.Add(1)
	return c.Controller.Make(ctx, opts, name, typ, template)
}

func (c *countingController) Sync(ctx context.Context, opts SyncOptions) error {
	c.calls.Add(1)
	return c.Controller.Sync(ctx, opts)
}

func TestDecoratorIsTransparent(t *testing.T) {
	var calls atomic.Int64
	counting := func(c Controller) Controller {
		return &countingController{Controller: c, calls: &calls}
	}

	run := func(f *fixture) []nodeView {
		h := f.handle("outer.zip/inner.tar")
		f.write(h, "a/b.txt", "b")
		f.write(h, "c.txt", "c")
		if err := h.Make(f.ctx, entry.CreateParents, name("d/e"), entry.Directory, nil); err != nil {
			t.Fatalf("Make failed: %v", err)
		}
		f.sync(SyncDefault)
		return f.tree(h)
	}

	plain := run(newFixture(t))
	decorated := run(newFixture(t, counting))
	if diff := cmp.Diff(plain, decorated, cmpopts.IgnoreFields(nodeView{}, "Mtime")); diff != "" {
		t.Errorf("Decorated tree differs (-plain +decorated):\n%s", diff)
	}
	if calls.Load() == 0 {
		t.Error("Decorator was never called")
	}
}
