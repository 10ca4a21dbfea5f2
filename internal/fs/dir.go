package fs

import (
	"context"
	"os"
	"path"
	"syscall"
	"time"

	"archfs/internal/entry"
	"archfs/internal/kernel"
	"archfs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir represents a directory of the federation: a host directory, a
// directory inside an archive, or an archive itself.
type Dir struct {
	fs   *ArchFS
	path string // Slash separated, relative to the root; "" for the root
}

func (d *Dir) child(name string) string {
	return path.Join(d.path, name)
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path)

	n, err := d.fs.vfs.Stat(ctx, d.path)
	if err != nil {
		dirLogger.Debug("Stat of %q failed: %v", d.path, err)
		return ToFuseError(err)
	}
	d.fs.fillAttr(a, n)
	a.Mode = os.ModeDir | 0755
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %q", name, d.path)
	childPath := d.child(name)

	n, err := d.fs.vfs.Stat(ctx, childPath)
	if err != nil {
		dirLogger.Debug("Path not found: %q: %v", childPath, err)
		return nil, ToFuseError(err)
	}
	if n.IsDir() {
		return &Dir{fs: d.fs, path: childPath}, nil
	}
	return &File{fs: d.fs, path: childPath}, nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory contents.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path)

	members, err := d.fs.vfs.ReadDir(ctx, d.path)
	if err != nil {
		dirLogger.Warn("Failed to list %q: %v", d.path, err)
		return nil, ToFuseError(err)
	}

	// Add standard entries
	entries := make([]fuse.Dirent, 0, len(members)+2)
	entries = append(entries, fuse.Dirent{Name: ".", Type: fuse.DT_Dir})
	entries = append(entries, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})

	for _, m := range members {
		typ := fuse.DT_File
		if m.Node.IsDir() {
			typ = fuse.DT_Dir
		}
		dirLogger.Trace("Found %q (%v)", m.Name, m.Node.Type())
		entries = append(entries, fuse.Dirent{Name: m.Name, Type: typ})
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path, len(entries))
	return entries, nil
}

// Mkdir implements the NodeMkdirer interface. A name with an archive
// suffix creates an empty archive.
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	newPath := d.child(req.Name)
	dirLogger.Info("Creating directory %q", newPath)

	if err := d.fs.vfs.Mkdir(ctx, newPath, entry.Exclusive); err != nil {
		dirLogger.Warn("Failed to create directory %q: %v", newPath, err)
		return nil, ToFuseError(err)
	}
	return &Dir{fs: d.fs, path: newPath}, nil
}

// Create implements the NodeCreater interface. The file appears once the
// handle is flushed or released.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	newPath := d.child(req.Name)
	dirLogger.Info("Creating file %q", newPath)

	opts := entry.NoOptions
	if req.Flags&fuse.OpenExclusive != 0 {
		opts = opts.Set(entry.Exclusive)
	}
	w, err := d.fs.vfs.Create(d.fs.ctx(ctx), newPath, opts)
	if err != nil {
		dirLogger.Warn("Failed to create %q: %v", newPath, err)
		return nil, nil, ToFuseError(err)
	}

	h := &WriteHandle{fs: d.fs, path: newPath, w: w}
	f := &File{fs: d.fs, path: newPath, pending: h}
	h.file = f
	if err := f.Attr(ctx, &resp.Attr); err != nil {
		return nil, nil, err
	}
	return f, h, nil
}

// Remove implements the NodeRemover interface, removing a file or directory.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	childPath := d.child(req.Name)
	dirLogger.Info("Removing %q (isDir=%v)", childPath, req.Dir)

	if err := d.fs.vfs.Remove(ctx, childPath); err != nil {
		dirLogger.Warn("Failed to remove %q: %v", childPath, err)
		return ToFuseError(err)
	}

	dirLogger.Info("Successfully removed %q", childPath)
	return nil
}

// Rename implements the NodeRenamer interface. Files are copied and the
// source removed. Directories are refused with EXDEV, so tools fall back
// to copying their members.
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Target is not a valid directory type")
		return fuse.Errno(syscall.EINVAL)
	}

	oldPath := d.child(req.OldName)
	newPath := target.child(req.NewName)
	dirLogger.Info("Renaming %q to %q", oldPath, newPath)

	n, err := d.fs.vfs.Stat(ctx, oldPath)
	if err != nil {
		return ToFuseError(err)
	}
	if n.IsDir() {
		dirLogger.Debug("Refusing to move directory %q", oldPath)
		return ToFuseError(NewFSError(OpRename, oldPath, ErrCrossDevice))
	}
	if err := d.fs.vfs.Move(d.fs.ctx(ctx), oldPath, newPath); err != nil {
		dirLogger.Warn("Failed to move %q: %v", oldPath, err)
		return ToFuseError(err)
	}

	dirLogger.Info("Successfully completed rename operation")
	return nil
}

// Setattr implements the NodeSetattrer interface. Only the modification
// time can be changed.
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Mtime() {
		if err := d.fs.vfs.SetTime(ctx, d.path, req.Mtime); err != nil {
			return ToFuseError(err)
		}
	}
	return d.Attr(ctx, &resp.Attr)
}

// fillAttr copies the sizes and times of n into a.
func (afs *ArchFS) fillAttr(a *fuse.Attr, n *kernel.Node) {
	size := n.Size(entry.DataSize)
	a.Size = safeInt64ToUint64(size)
	a.Blocks = blocks(size)
	a.BlockSize = 4096
	a.Mtime = n.Time(entry.WriteAccess)
	if a.Mtime.IsZero() {
		a.Mtime = time.Unix(0, 0)
	}
	a.Atime = firstKnown(n.Time(entry.ReadAccess), a.Mtime)
	a.Ctime = a.Mtime
	a.Crtime = firstKnown(n.Time(entry.CreateAccess), a.Mtime)
	a.Uid = afs.uid
	a.Gid = afs.gid
}
