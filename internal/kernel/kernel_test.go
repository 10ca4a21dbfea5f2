package kernel

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"archfs/internal/driver"
	"archfs/internal/drivers/tardriver"
	"archfs/internal/drivers/zipdriver"
	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// failingDriver writes nothing: every commit fails.
type failingDriver struct {
	driver.Driver
}

var errDiskFull = errors.New("disk full")

func (failingDriver) Scheme() string { return "bad" }

func (failingDriver) NewOutput(context.Context, driver.Model, socket.OutputSocket, driver.InputService) (driver.OutputService, error) {
	return nil, errDiskFull
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	dir string
	mgr *Manager
}

func newFixture(t *testing.T, decorators ...Decorator) *fixture {
	t.Helper()
	reg := driver.NewRegistry()
	for _, r := range []struct {
		d        driver.Driver
		suffixes []string
	}{
		{zipdriver.New(), []string{".zip"}},
		{tardriver.New(tardriver.None), []string{".tar"}},
		{failingDriver{zipdriver.New()}, []string{".bad"}},
	} {
		if err := reg.Register(r.d, r.suffixes...); err != nil {
			t.Fatalf("Failed to register %s: %v", r.d.Scheme(), err)
		}
	}
	return &fixture{
		t:   t,
		ctx: context.Background(),
		dir: t.TempDir(),
		mgr: NewManager(Options{Drivers: reg, Decorators: decorators}),
	}
}

func (f *fixture) host() vpath.MountPoint {
	return vpath.Host(f.dir)
}

// mountPoint nests every archive-looking segment of p, as in
// "outer.zip/dir/inner.tar".
func (f *fixture) mountPoint(p string) vpath.MountPoint {
	mp := f.host()
	var rel []string
	for _, seg := range strings.Split(p, "/") {
		rel = append(rel, seg)
		if d, ok := f.mgr.Drivers().Detect(seg); ok {
			mp = mp.Nest(d.Scheme(), vpath.MustNodeName(path.Join(rel...)))
			rel = nil
		}
	}
	return mp
}

func (f *fixture) handle(p string) *Handle {
	f.t.Helper()
	h, err := f.mgr.Controller(f.mountPoint(p), nil)
	if err != nil {
		f.t.Fatalf("Failed to get controller for %s: %v", p, err)
	}
	return h
}

func name(s string) vpath.NodeName {
	return vpath.MustNodeName(s)
}

func (f *fixture) write(h *Handle, n, data string) {
	f.t.Helper()
	w, err := h.Output(entry.CreateParents, name(n), nil).Stream(f.ctx)
	if err != nil {
		f.t.Fatalf("Failed to open %s for writing: %v", n, err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		f.t.Fatalf("Failed to write %s: %v", n, err)
	}
	if err := w.Close(); err != nil {
		f.t.Fatalf("Failed to close %s: %v", n, err)
	}
}

func (f *fixture) read(h *Handle, n string) string {
	f.t.Helper()
	r, err := h.Input(name(n)).Stream(f.ctx)
	if err != nil {
		f.t.Fatalf("Failed to open %s: %v", n, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		f.t.Fatalf("Failed to read %s: %v", n, err)
	}
	return string(b)
}

func (f *fixture) sync(opts SyncOptions) {
	f.t.Helper()
	if err := f.mgr.Sync(f.ctx, opts); err != nil {
		f.t.Fatalf("Sync failed: %v", err)
	}
}

// nodeView is the part of a node that survives a round trip through an
// archive. Times are kept to the second.
type nodeView struct {
	Name    string
	Type    entry.Type
	Size    int64
	Mtime   time.Time
	Members []string
}

// tree lists every node below the root of h.
func (f *fixture) tree(h *Handle) []nodeView {
	f.t.Helper()
	var out []nodeView
	var walk func(n vpath.NodeName)
	walk = func(n vpath.NodeName) {
		node, err := h.Node(f.ctx, n)
		if err != nil {
			f.t.Fatalf("Failed to get node %q: %v", n, err)
		}
		if !n.IsRoot() {
			out = append(out, nodeView{
				Name:    node.Name(),
				Type:    node.Type(),
				Size:    node.Size(entry.DataSize),
				Mtime:   node.Time(entry.WriteAccess).Truncate(time.Second).UTC(),
				Members: node.Members(),
			})
		}
		members := node.Members()
		sort.Strings(members)
		for _, m := range members {
			walk(n.Child(m))
		}
	}
	walk(vpath.Root)
	return out
}
