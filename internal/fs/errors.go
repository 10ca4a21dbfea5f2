// Package fs provides the FUSE front end of the federation.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"archfs/internal/kernel"
	"archfs/internal/logging"
	"archfs/internal/vpath"

	"bazil.org/fuse"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrCrossDevice indicates a rename the federation cannot do in place,
	// such as moving a directory. Callers like mv fall back to copying.
	ErrCrossDevice = errors.New("cannot rename across archives")

	// ErrNonSequentialWrite indicates a write at an offset other than the
	// end of what was written so far
	ErrNonSequentialWrite = errors.New("writes must be sequential")
)

// Error records the FUSE operation and the federation path a failure
// happened on.
type Error struct {
	Op   string
	Path string // relative to the federation root
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errnos maps kernel conditions to the errno FUSE reports. Order matters:
// the first match wins.
var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{kernel.ErrNotExist, syscall.ENOENT},
	{kernel.ErrExist, syscall.EEXIST},
	{kernel.ErrDirectoryNotEmpty, syscall.ENOTEMPTY},
	{kernel.ErrReadOnly, syscall.EROFS},
	{kernel.ErrBusy, syscall.EBUSY},
	{kernel.ErrLockEscalation, syscall.EDEADLK},
	{kernel.ErrIsDirectory, syscall.EISDIR},
	{kernel.ErrNotDirectory, syscall.ENOTDIR},
	{kernel.ErrNotSupported, syscall.ENOTSUP},
	{kernel.ErrStreamClosed, syscall.EBADF},
	{vpath.ErrInvalidName, syscall.EINVAL},
	{ErrCrossDevice, syscall.EXDEV},
	{ErrNonSequentialWrite, syscall.ENOTSUP},
	{os.ErrPermission, syscall.EACCES},
}

// ToFuseError converts an error to the FUSE error code the kernel expects.
// Errors already carrying an errno keep it.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	var errno fuse.Errno
	if errors.As(err, &errno) {
		return errno
	}
	var serrno syscall.Errno
	if errors.As(err, &serrno) {
		return fuse.Errno(serrno)
	}

	for _, m := range errnos {
		if errors.Is(err, m.err) {
			errLogger.Trace("Converting %v to %v", err, m.errno)
			return fuse.Errno(m.errno)
		}
	}
	errLogger.Debug("Unknown error type, returning EIO: %v", err)
	return fuse.Errno(syscall.EIO)
}

// NewFSError wraps err for op on path.
func NewFSError(op string, path string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
	errLogger.Trace("%s %s: %v", op, path, err)
	return fsErr
}

// Operation names used in Error.
const (
	OpLookup  = "lookup"
	OpReadDir = "readdir"
	OpOpen    = "open"
	OpRead    = "read"
	OpWrite   = "write"
	OpCreate  = "create"
	OpMkdir   = "mkdir"
	OpRemove  = "remove"
	OpRename  = "rename"
	OpSetattr = "setattr"
	OpGetattr = "getattr"
	OpRelease = "release" // commit of a written file
)

// IsTemporary reports whether err goes away once open streams close, so
// retrying the operation may succeed.
func IsTemporary(err error) bool {
	for _, target := range []error{kernel.ErrBusy, syscall.EAGAIN, syscall.EBUSY, syscall.ETIMEDOUT} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
