// Package vfs is the path based face of the federation. It splits slash
// separated paths below a host directory into the chain of archives they
// pass through and forwards each operation to the innermost controller.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"archfs/internal/entry"
	"archfs/internal/kernel"
	"archfs/internal/logging"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

var logger = logging.GetLogger().WithPrefix("vfs")

// FS resolves paths relative to one host directory.
type FS struct {
	mgr  *kernel.Manager
	host vpath.MountPoint
}

// New returns an FS rooted at dir.
func New(mgr *kernel.Manager, dir string) *FS {
	return &FS{mgr: mgr, host: vpath.Host(dir)}
}

// Manager returns the manager owning the controllers.
func (f *FS) Manager() *kernel.Manager {
	return f.mgr
}

// Root returns the host mount point.
func (f *FS) Root() vpath.MountPoint {
	return f.host
}

// Location is a node named relative to the filesystem holding it.
type Location struct {
	Handle *kernel.Handle
	Name   vpath.NodeName
}

func (l Location) String() string {
	return l.Handle.MountPoint().Resolve(l.Name)
}

// MountPoint scans p for archive names and returns the mount point of the
// innermost one together with the rest of the path. "a/b.zip/c/d.tar/e"
// yields the mount point of d.tar inside b.zip and the name "e".
func (f *FS) MountPoint(p string) (vpath.MountPoint, vpath.NodeName, error) {
	name, err := vpath.NewNodeName(p)
	if err != nil {
		return vpath.MountPoint{}, vpath.Root, err
	}
	mp := f.host
	var rel []string
	for _, seg := range name.Segments() {
		rel = append(rel, seg)
		if d, ok := f.mgr.Drivers().Detect(seg); ok {
			mp = mp.Nest(d.Scheme(), vpath.MustNodeName(path.Join(rel...)))
			rel = nil
		}
	}
	return mp, vpath.MustNodeName(path.Join(rel...)), nil
}

// Resolve returns the location of p.
func (f *FS) Resolve(p string) (Location, error) {
	mp, name, err := f.MountPoint(p)
	if err != nil {
		return Location{}, err
	}
	h, err := f.mgr.Controller(mp, nil)
	if err != nil {
		return Location{}, err
	}
	logger.Trace("Resolved %q to %s", p, mp.Resolve(name))
	return Location{Handle: h, Name: name}, nil
}

// Stat returns the node at p.
func (f *FS) Stat(ctx context.Context, p string) (*kernel.Node, error) {
	loc, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	return loc.Handle.Node(ctx, loc.Name)
}

// Exists reports whether p names a node.
func (f *FS) Exists(ctx context.Context, p string) bool {
	_, err := f.Stat(ctx, p)
	return err == nil
}

// IsFile reports whether p names a regular file.
func (f *FS) IsFile(ctx context.Context, p string) bool {
	n, err := f.Stat(ctx, p)
	return err == nil && n.Type() == entry.File
}

// IsDir reports whether p names a directory. Archives are directories.
func (f *FS) IsDir(ctx context.Context, p string) bool {
	n, err := f.Stat(ctx, p)
	return err == nil && n.IsDir()
}

// DirEntry is one member of a directory.
type DirEntry struct {
	Name string
	Node *kernel.Node
}

// ReadDir lists the members of the directory at p. Members that are
// archives are reported as directories. Members that vanish while listing
// are left out.
func (f *FS) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	dir, err := f.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, &kernel.Error{Op: kernel.OpNode, MountPoint: f.host, Name: vpath.MustNodeName(p), Err: kernel.ErrNotDirectory}
	}
	out := make([]DirEntry, 0, len(dir.Members()))
	for _, m := range dir.Members() {
		n, err := f.Stat(ctx, path.Join(p, m))
		if errors.Is(err, kernel.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, DirEntry{Name: m, Node: n})
	}
	return out, nil
}

// Open opens the content of the file at p.
func (f *FS) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	loc, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	return loc.Handle.Input(loc.Name).Stream(ctx)
}

// OpenChannel opens the content of the file at p for random access.
func (f *FS) OpenChannel(ctx context.Context, p string) (socket.Channel, error) {
	loc, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	return loc.Handle.Input(loc.Name).Channel(ctx)
}

// ReadFile returns the content of the file at p.
func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	r, err := f.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Create opens the file at p for writing. The file replaces any previous
// one when the writer is closed. Aborting the writer with socket.Abort
// leaves the previous file in place.
func (f *FS) Create(ctx context.Context, p string, opts entry.Options) (io.WriteCloser, error) {
	loc, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	return loc.Handle.Output(opts, loc.Name, nil).Stream(ctx)
}

// WriteFile writes data to the file at p, creating missing parents.
func (f *FS) WriteFile(ctx context.Context, p string, data []byte) error {
	w, err := f.Create(ctx, p, entry.CreateParents)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		socket.Abort(w)
		return err
	}
	return w.Close()
}

// Mkdir creates the directory at p. Naming an archive creates an empty
// archive.
func (f *FS) Mkdir(ctx context.Context, p string, opts entry.Options) error {
	loc, err := f.Resolve(p)
	if err != nil {
		return err
	}
	return loc.Handle.Make(ctx, opts, loc.Name, entry.Directory, nil)
}

// Remove removes the file or empty directory at p. Removing an empty
// archive deletes the archive file.
func (f *FS) Remove(ctx context.Context, p string) error {
	loc, err := f.Resolve(p)
	if err != nil {
		return err
	}
	return loc.Handle.Unlink(ctx, entry.NoOptions, loc.Name)
}

// SetTime sets the modification time of p.
func (f *FS) SetTime(ctx context.Context, p string, t time.Time) error {
	loc, err := f.Resolve(p)
	if err != nil {
		return err
	}
	return loc.Handle.SetTime(ctx, loc.Name, []entry.Access{entry.WriteAccess}, t)
}

// Copy copies the file src to dst. The destination takes its attributes
// from the source. raw reports whether the stored bytes were copied without
// decoding.
func (f *FS) Copy(ctx context.Context, src, dst string, opts entry.Options) (raw bool, err error) {
	from, err := f.Resolve(src)
	if err != nil {
		return false, err
	}
	to, err := f.Resolve(dst)
	if err != nil {
		return false, err
	}
	raw, err = socket.CopyReporting(ctx, from.Handle.Input(from.Name), to.Handle.Output(opts, to.Name, nil))
	if err != nil {
		return false, fmt.Errorf("copy %s to %s: %w", from, to, err)
	}
	logger.Debug("Copied %s to %s (raw=%v)", from, to, raw)
	return raw, nil
}

// Move copies the file src to dst and removes src. Directories cannot be
// moved.
func (f *FS) Move(ctx context.Context, src, dst string) error {
	n, err := f.Stat(ctx, src)
	if err != nil {
		return err
	}
	if n.Type() != entry.File {
		return &kernel.Error{Op: "move", MountPoint: f.host, Name: vpath.MustNodeName(src), Err: kernel.ErrNotSupported}
	}
	if _, err := f.Copy(ctx, src, dst, entry.NoOptions); err != nil {
		return err
	}
	return f.Remove(ctx, src)
}

// Checksum returns the BLAKE3 digest of the content of the file at p.
func (f *FS) Checksum(ctx context.Context, p string) ([]byte, error) {
	r, err := f.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Sync syncs every archive of the federation.
func (f *FS) Sync(ctx context.Context, opts kernel.SyncOptions) error {
	return f.mgr.Sync(ctx, opts)
}

// Umount commits and releases the archive at p, or the filesystem holding p
// if it is not an archive, with everything nested in it. Open streams are
// closed.
func (f *FS) Umount(ctx context.Context, p string) error {
	mp, _, err := f.MountPoint(p)
	if err != nil {
		return err
	}
	return f.mgr.SyncPrefix(ctx, mp, kernel.SyncUmount)
}

// IsArchive reports whether the last segment of p has an archive suffix.
// It says nothing about the content.
func (f *FS) IsArchive(p string) bool {
	_, ok := f.mgr.Drivers().Detect(path.Base(strings.TrimRight(p, "/")))
	return ok
}
