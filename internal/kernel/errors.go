package kernel

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/hashicorp/go-multierror"

	"archfs/internal/vpath"
)

var (
	// ErrNotExist indicates a node doesn't exist
	ErrNotExist = fs.ErrNotExist

	// ErrExist indicates an exclusive make hit an existing node
	ErrExist = fs.ErrExist

	// ErrDirectoryNotEmpty indicates attempt to remove non-empty directory
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrReadOnly indicates attempt to modify a read-only filesystem
	ErrReadOnly = errors.New("filesystem is read-only")

	// ErrBusy indicates exclusive access is blocked by open streams or
	// another lock holder
	ErrBusy = errors.New("filesystem busy")

	// ErrLockEscalation indicates a write lock was needed while the caller
	// holds the read lock of the same filesystem
	ErrLockEscalation = errors.New("read lock held, cannot acquire write lock")

	// ErrIsDirectory indicates a file operation on a directory
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotDirectory indicates a directory operation on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotSupported indicates an operation the filesystem can't perform
	ErrNotSupported = errors.New("operation not supported")

	// ErrStreamClosed indicates use of a stream after it was closed,
	// possibly by a forced sync
	ErrStreamClosed = fs.ErrClosed

	// ErrNestedSync indicates a filesystem was not synced because an archive
	// nested in it failed to sync
	ErrNestedSync = errors.New("nested archive failed to sync")

	// errNeedsWriteLock is returned by controllers to the lock controller
	// when an operation found the filesystem unmounted under a read lock.
	errNeedsWriteLock = errors.New("write lock required")
)

// Error wraps a kernel failure with the operation and the node it concerns.
type Error struct {
	Op         string           // Operation that failed (e.g., "node", "make")
	MountPoint vpath.MountPoint // Filesystem the node belongs to
	Name       vpath.NodeName   // Affected node
	Err        error            // Underlying error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.MountPoint.Resolve(e.Name), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// fail attaches context to err unless it already has some or is one of the
// internal signals.
func fail(op string, mp vpath.MountPoint, name vpath.NodeName, err error) error {
	if err == nil {
		return nil
	}
	var (
		kerr *Error
		rr   *Reroute
		busy *BusyError
		serr *SyncError
	)
	switch {
	case errors.As(err, &kerr), errors.As(err, &rr), errors.As(err, &busy), errors.As(err, &serr):
		return err
	case errors.Is(err, errNeedsWriteLock):
		return err
	}
	return &Error{Op: op, MountPoint: mp, Name: name, Err: err}
}

// BusyError reports that a filesystem could not be synced because streams
// are open or its lock is held elsewhere.
type BusyError struct {
	MountPoint vpath.MountPoint
	Inputs     int // open input streams
	Outputs    int // open output streams
	idle       <-chan struct{}
}

func (e *BusyError) Error() string {
	if e.Inputs == 0 && e.Outputs == 0 {
		return fmt.Sprintf("%s: lock held by another operation", e.MountPoint)
	}
	return fmt.Sprintf("%s: %d input and %d output streams open", e.MountPoint, e.Inputs, e.Outputs)
}

func (e *BusyError) Unwrap() error {
	return ErrBusy
}

// SyncError is the outcome of syncing one filesystem. A warning means the
// archive is consistent despite the problem; otherwise data may be lost.
type SyncError struct {
	MountPoint vpath.MountPoint
	Err        error
	Warning    bool
}

func (e *SyncError) Error() string {
	kind := "sync failed"
	if e.Warning {
		kind = "sync warning"
	}
	return fmt.Sprintf("%s %s: %v", kind, e.MountPoint, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// asSyncError classifies err as the outcome of syncing mp.
func asSyncError(mp vpath.MountPoint, err error) *SyncError {
	var serr *SyncError
	if errors.As(err, &serr) {
		return serr
	}
	return &SyncError{MountPoint: mp, Err: err}
}

// IsSyncWarning reports whether err is a sync outcome holding only
// warnings.
func IsSyncWarning(err error) bool {
	if err == nil {
		return false
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		if len(merr.Errors) == 0 {
			return false
		}
		for _, e := range merr.Errors {
			if !IsSyncWarning(e) {
				return false
			}
		}
		return true
	}
	var serr *SyncError
	return errors.As(err, &serr) && serr.Warning
}

// Reroute reports that a mount point is not an archive after all. The
// operation must be repeated on Parent with the name of the node in the
// enclosing filesystem. It is handled by the false positive controller and
// never returned to callers of a Handle.
type Reroute struct {
	Parent Controller
	Name   vpath.NodeName
	// Persistent is set when the enclosing node is a regular file or
	// directory, so the result can be cached until the next sync.
	Persistent bool
	Cause      error
}

func (r *Reroute) Error() string {
	kind := "transient"
	if r.Persistent {
		kind = "persistent"
	}
	return fmt.Sprintf("%s false positive archive %s: %v", kind, r.Name, r.Cause)
}

func (r *Reroute) Unwrap() error {
	return r.Cause
}
