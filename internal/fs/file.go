package fs

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"syscall"
	"time"

	"archfs/internal/entry"
	"archfs/internal/kernel"
	"archfs/internal/logging"
	"archfs/internal/socket"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// ChecksumXattr names the extended attribute holding the hex BLAKE3 digest
// of a file's content.
const ChecksumXattr = "user.archfs.blake3"

// File represents a file of the federation, on the host or inside an
// archive.
type File struct {
	fs   *ArchFS
	path string
	mu   sync.Mutex

	// pending is the handle of a file that was created but not committed
	// yet. The file has no node of its own until then.
	pending *WriteHandle
}

func (f *File) pendingHandle() *WriteHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	fileLogger.Trace("Getting attributes for file: %q", f.path)

	if h := f.pendingHandle(); h != nil {
		size := h.size()
		now := time.Now()
		a.Mode = 0644
		a.Size = safeInt64ToUint64(size)
		a.Blocks = blocks(size)
		a.BlockSize = 4096
		a.Mtime, a.Atime, a.Ctime, a.Crtime = now, now, now, now
		a.Uid = f.fs.uid
		a.Gid = f.fs.gid
		return nil
	}

	n, err := f.fs.vfs.Stat(ctx, f.path)
	if err != nil {
		fileLogger.Debug("Stat of %q failed: %v", f.path, err)
		return ToFuseError(err)
	}
	f.fs.fillAttr(a, n)
	a.Mode = 0644

	fileLogger.Trace("File attributes: mode=%v, size=%d, mtime=%v",
		a.Mode, a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface. Reads go through a random
// access channel. Writes replace the file when the handle is flushed.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fileLogger.Debug("Opening file %q with flags %v", f.path, req.Flags)

	// Enable direct IO so reads and writes arrive as issued
	resp.Flags |= fuse.OpenDirectIO

	if req.Flags.IsReadOnly() {
		ch, err := f.fs.vfs.OpenChannel(f.fs.ctx(ctx), f.path)
		if err != nil {
			fileLogger.Warn("Failed to open %q: %v", f.path, err)
			return nil, ToFuseError(err)
		}
		return &ReadHandle{path: f.path, ch: ch}, nil
	}

	opts := entry.NoOptions
	var written int64
	if req.Flags&fuse.OpenTruncate == 0 {
		// Keep the content and continue after it
		n, err := f.fs.vfs.Stat(ctx, f.path)
		if err != nil {
			return nil, ToFuseError(err)
		}
		opts = opts.Set(entry.Append)
		written = n.Size(entry.DataSize)
	}
	w, err := f.fs.vfs.Create(f.fs.ctx(ctx), f.path, opts)
	if err != nil {
		fileLogger.Warn("Failed to open %q for writing: %v", f.path, err)
		return nil, ToFuseError(err)
	}
	fileLogger.Debug("Opened %q for writing at offset %d", f.path, written)
	return &WriteHandle{fs: f.fs, path: f.path, w: w, written: written}, nil
}

// Fsync implements the NodeFsyncer interface. Written content reaches the
// archive when the handle is flushed and the archive at the next sync.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	fileLogger.Trace("Fsync of %q", f.path)
	return nil
}

// Setattr implements the NodeSetattrer interface. Files can be truncated
// to zero length and given a modification time.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	fileLogger.Debug("Setting attributes of %q: %v", f.path, req.Valid)

	pending := f.pendingHandle()
	if req.Valid.Size() {
		switch {
		case pending != nil && req.Size == safeInt64ToUint64(pending.size()):
		case pending != nil, req.Size != 0:
			return ToFuseError(NewFSError(OpSetattr, f.path, kernel.ErrNotSupported))
		default:
			if err := f.fs.vfs.WriteFile(f.fs.ctx(ctx), f.path, nil); err != nil {
				fileLogger.Warn("Failed to truncate %q: %v", f.path, err)
				return ToFuseError(err)
			}
		}
	}
	if req.Valid.Mtime() && pending == nil {
		if err := f.fs.vfs.SetTime(ctx, f.path, req.Mtime); err != nil {
			return ToFuseError(err)
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// Getxattr implements the NodeGetxattrer interface. The only attribute is
// the content checksum.
func (f *File) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	fileLogger.Debug("Getting xattr %q for file %q", req.Name, f.path)
	if req.Name != ChecksumXattr || f.pendingHandle() != nil {
		return fuse.ErrNoXattr
	}

	sum, err := f.fs.vfs.Checksum(ctx, f.path)
	if err != nil {
		fileLogger.Warn("Checksum of %q failed: %v", f.path, err)
		return ToFuseError(err)
	}
	resp.Xattr = []byte(hex.EncodeToString(sum))
	fileLogger.Trace("Retrieved xattr %q: %d bytes", req.Name, len(resp.Xattr))
	return nil
}

// Listxattr implements the NodeListxattrer interface.
func (f *File) Listxattr(_ context.Context, _ *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	if f.pendingHandle() == nil {
		resp.Append(ChecksumXattr)
	}
	return nil
}

// Setxattr implements the NodeSetxattrer interface. Archives have nowhere
// to keep extended attributes.
func (f *File) Setxattr(_ context.Context, req *fuse.SetxattrRequest) error {
	fileLogger.Debug("Refusing to set xattr %q on %q", req.Name, f.path)
	return fuse.Errno(syscall.ENOTSUP)
}

// Removexattr implements the NodeRemovexattrer interface.
func (f *File) Removexattr(_ context.Context, req *fuse.RemovexattrRequest) error {
	fileLogger.Debug("Refusing to remove xattr %q on %q", req.Name, f.path)
	return fuse.Errno(syscall.ENOTSUP)
}

// ReadHandle is an open file being read.
type ReadHandle struct {
	path string // For logging purposes
	ch   socket.Channel
}

// Read implements the HandleReader interface, reading data from the file.
func (fh *ReadHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fileLogger.Trace("Reading %d bytes from file %q at offset %d",
		req.Size, fh.path, req.Offset)

	resp.Data = make([]byte, req.Size)
	n, err := fh.ch.ReadAt(resp.Data, req.Offset)
	if err != nil && err != io.EOF {
		fileLogger.Error("Failed to read from file: %v", err)
		return ToFuseError(NewFSError(OpRead, fh.path, err))
	}

	resp.Data = resp.Data[:n]
	fileLogger.Trace("Successfully read %d bytes", n)
	return nil
}

// Release implements the HandleReleaser interface, closing the channel.
func (fh *ReadHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fileLogger.Debug("Closing file %q", fh.path)
	return ToFuseError(fh.ch.Close())
}

// WriteHandle is an open file being written. Writes must arrive in order.
// The first flush commits the content; later writes fail.
type WriteHandle struct {
	fs   *ArchFS
	path string

	mu        sync.Mutex
	w         io.WriteCloser
	written   int64
	committed bool
	err       error // Result of the commit
	file      *File // Node waiting for the commit, if any
}

func (fh *WriteHandle) size() int64 {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.written
}

// Write implements the HandleWriter interface.
func (fh *WriteHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fileLogger.Trace("Writing %d bytes to file %q at offset %d", len(req.Data), fh.path, req.Offset)
	if fh.committed {
		return ToFuseError(NewFSError(OpWrite, fh.path, kernel.ErrStreamClosed))
	}
	if req.Offset != fh.written {
		fileLogger.Warn("Non sequential write to %q at %d, expected %d", fh.path, req.Offset, fh.written)
		return ToFuseError(NewFSError(OpWrite, fh.path, ErrNonSequentialWrite))
	}
	n, err := fh.w.Write(req.Data)
	fh.written += int64(n)
	resp.Size = n
	if err != nil {
		fileLogger.Error("Failed to write to %q: %v", fh.path, err)
		return ToFuseError(NewFSError(OpWrite, fh.path, err))
	}
	return nil
}

// Flush implements the HandleFlusher interface, committing the content.
func (fh *WriteHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	return ToFuseError(fh.commit())
}

// Release implements the HandleReleaser interface, committing the content
// if no flush did.
func (fh *WriteHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fileLogger.Debug("Closing file %q", fh.path)
	return ToFuseError(fh.commit())
}

func (fh *WriteHandle) commit() error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if fh.committed {
		return fh.err
	}
	fh.committed = true
	if err := fh.w.Close(); err != nil {
		fileLogger.Error("Failed to commit %q: %v", fh.path, err)
		fh.err = NewFSError(OpRelease, fh.path, err)
	} else {
		fileLogger.Debug("Committed %d bytes to %q", fh.written, fh.path)
	}
	if fh.file != nil {
		fh.file.mu.Lock()
		fh.file.pending = nil
		fh.file.mu.Unlock()
		fh.file = nil
	}
	return fh.err
}
