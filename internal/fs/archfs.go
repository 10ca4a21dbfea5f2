package fs

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"archfs/internal/logging"
	"archfs/internal/vfs"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fsLogger = logging.GetLogger().WithPrefix("fuse")
)

// Options configure the FUSE front end.
type Options struct {
	// AllowOther lets users other than the mounting one access the mount.
	// It needs user_allow_other in /etc/fuse.conf.
	AllowOther bool
}

// ArchFS exposes a federation over FUSE. Archives below the root show up
// as directories.
type ArchFS struct {
	vfs  *vfs.FS    // Path resolution and operations
	opts Options    // Mount behavior
	conn *fuse.Conn // FUSE connection
	done chan error // Result of Serve
	uid  uint32     // User ID for filesystem operations
	gid  uint32     // Group ID for filesystem operations
}

// NewArchFS creates the FUSE front end for v.
func NewArchFS(v *vfs.FS, opts Options) *ArchFS {
	fsLogger.Info("Creating FUSE front end")
	fsLogger.Debug("Root directory: %s", v.Root().Dir())

	// PUID and PGID override the owner reported for every node
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			fsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			fsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	return &ArchFS{vfs: v, opts: opts, uid: uid, gid: gid}
}

// Root returns the directory at the federation root.
func (afs *ArchFS) Root() (fusefs.Node, error) {
	fsLogger.Trace("Getting root directory node")
	return &Dir{fs: afs, path: ""}, nil
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount mounts the filesystem and serves it in the background.
func (afs *ArchFS) Mount(mountPoint string) error {
	fsLogger.Info("Mounting %s on %s", afs.vfs.Root().Dir(), mountPoint)
	fsLogger.Debug("UID: %d, GID: %d", afs.uid, afs.gid)

	// Check if root directory is readable
	if _, err := os.ReadDir(afs.vfs.Root().Dir()); err != nil {
		fsLogger.Error("Cannot read root directory: %v", err)
		return fmt.Errorf("root directory not readable: %w", err)
	}

	mountOpts := []fuse.MountOption{
		fuse.FSName("archfs"),
		fuse.Subtype("archfs"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	}
	if afs.opts.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	fsLogger.Debug("Mounting with options: %+v", mountOpts)

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	afs.conn = c
	afs.done = make(chan error, 1)

	go func() {
		err := fusefs.Serve(c, afs)
		if err != nil {
			fsLogger.Error("FUSE server error: %v", err)
		}
		afs.done <- err
	}()

	// The mount point turns into our root directory once serving starts
	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		fsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	fsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Done receives the result of serving once the filesystem is unmounted,
// also when that happens from outside.
func (afs *ArchFS) Done() <-chan error {
	return afs.done
}

// Unmount detaches the mount. Done reports when serving stops.
func (afs *ArchFS) Unmount(mountPoint string) error {
	fsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if afs.conn == nil {
		return nil
	}
	if err := fuse.Unmount(mountPoint); err != nil {
		fsLogger.Error("Unmount failed: %v", err)
		return err
	}
	if err := afs.conn.Close(); err != nil {
		fsLogger.Debug("Closing FUSE connection: %v", err)
	}
	fsLogger.Info("Unmount completed successfully")
	return nil
}

// Destroy is called by the kernel when the filesystem goes away.
func (afs *ArchFS) Destroy() {
	fsLogger.Debug("FUSE session destroyed")
}

func (afs *ArchFS) ctx(ctx context.Context) context.Context {
	// FUSE cancels the request context once the request is answered.
	// Streams opened by a request outlive it.
	return context.WithoutCancel(ctx)
}
