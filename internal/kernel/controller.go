package kernel

import (
	"context"
	"time"

	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// Operation names for consistent logging and error reporting
const (
	OpNode        = "node"
	OpCheckAccess = "check access"
	OpSetReadOnly = "set read-only"
	OpSetTime     = "set time"
	OpInput       = "input"
	OpOutput      = "output"
	OpMake        = "make"
	OpUnlink      = "unlink"
	OpSync        = "sync"
	OpMount       = "mount"
)

// Controller is the surface shared by every layer of a controller chain.
// Names are relative to the controller's mount point. Sockets are lazy:
// Input and Output do no work until a socket method is called.
type Controller interface {
	Model() *Model
	// Parent returns the controller of the enclosing filesystem, or nil
	// for the host.
	Parent() Controller

	Node(ctx context.Context, name vpath.NodeName) (*Node, error)
	CheckAccess(ctx context.Context, name vpath.NodeName, accesses ...entry.Access) error
	SetReadOnly(ctx context.Context, name vpath.NodeName) error
	SetTime(ctx context.Context, name vpath.NodeName, accesses []entry.Access, t time.Time) error
	Input(name vpath.NodeName) socket.InputSocket
	Output(opts entry.Options, name vpath.NodeName, template entry.Entry) socket.OutputSocket
	Make(ctx context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error
	Unlink(ctx context.Context, opts entry.Options, name vpath.NodeName) error
	Sync(ctx context.Context, opts SyncOptions) error
}

// Decorator wraps a controller, typically for instrumentation. A decorator
// must not change observable behavior.
type Decorator func(Controller) Controller

// Handle is the outermost controller of one mount point, as handed out by
// a Manager.
type Handle struct {
	Controller
	model *Model
}

// MountPoint identifies the filesystem.
func (h *Handle) MountPoint() vpath.MountPoint {
	return h.model.mp
}

// ReadLocked runs fn holding the read lock of the filesystem. Operations
// on this filesystem made with the context passed to fn run inside the
// lock; those that need the write lock fail with ErrLockEscalation. So does
// closing an output stream of this filesystem opened with that context.
func (h *Handle) ReadLocked(ctx context.Context, fn func(ctx context.Context) error) error {
	if read, write := holds(ctx, h.model); read || write {
		return fn(ctx)
	}
	h.model.lock.RLock()
	defer h.model.lock.RUnlock()
	scoped, release := withHolding(ctx, h.model, false)
	defer release()
	return fn(scoped)
}
