package kernel

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/storage"
	"archfs/internal/vpath"
)

// hostController serves the directory of the host mount point. It keeps no
// state, so it needs neither locking nor sync.
type hostController struct {
	model *Model
	store *storage.Store
}

func newHostController(m *Model, store *storage.Store) *hostController {
	if store == nil {
		store = storage.New(storage.Options{})
	}
	return &hostController{model: m, store: store}
}

func (c *hostController) Model() *Model { return c.model }

func (c *hostController) Parent() Controller { return nil }

func (c *hostController) path(name vpath.NodeName) string {
	return filepath.Join(c.model.mp.Dir(), filepath.FromSlash(name.String()))
}

// hostError maps operating system errors onto the kernel's.
func hostError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOTEMPTY):
		return ErrDirectoryNotEmpty
	case errors.Is(err, syscall.EROFS):
		return ErrReadOnly
	case errors.Is(err, syscall.ENOTDIR):
		return ErrNotDirectory
	case errors.Is(err, syscall.EISDIR):
		return ErrIsDirectory
	}
	return err
}

func (c *hostController) fail(op string, name vpath.NodeName, err error) error {
	return fail(op, c.model.mp, name, hostError(err))
}

func hostType(fi os.FileInfo) entry.Type {
	switch {
	case fi.Mode().IsRegular():
		return entry.File
	case fi.IsDir():
		return entry.Directory
	}
	return entry.Special
}

// stat describes the object at path as an entry.
func (c *hostController) stat(name vpath.NodeName) (*entry.Base, os.FileInfo, error) {
	path := c.path(name)
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, nil, err
	}
	e := entry.New(name.String(), hostType(fi))
	if e.Type() == entry.File {
		e.SetSize(entry.DataSize, fi.Size())
		e.SetSize(entry.StorageSize, fi.Size())
	}
	e.SetTime(entry.WriteAccess, fi.ModTime())
	atime, btime := statTimes(path, fi)
	e.SetTime(entry.ReadAccess, atime)
	e.SetTime(entry.CreateAccess, btime)
	return e, fi, nil
}

func (c *hostController) Node(_ context.Context, name vpath.NodeName) (*Node, error) {
	e, _, err := c.stat(name)
	if err != nil {
		return nil, c.fail(OpNode, name, err)
	}
	var members []string
	if e.Type() == entry.Directory {
		dirents, err := os.ReadDir(c.path(name))
		if err != nil {
			return nil, c.fail(OpNode, name, err)
		}
		members = make([]string, 0, len(dirents))
		for _, d := range dirents {
			members = append(members, d.Name())
		}
	}
	return newNode(name, e, members), nil
}

func (c *hostController) CheckAccess(_ context.Context, name vpath.NodeName, accesses ...entry.Access) error {
	path := c.path(name)
	for _, a := range accesses {
		target, mode := path, uint32(0)
		switch a {
		case entry.ReadAccess:
			mode = unix.R_OK
		case entry.WriteAccess:
			mode = unix.W_OK
		case entry.ExecuteAccess:
			mode = unix.X_OK
		case entry.CreateAccess:
			target, mode = filepath.Dir(path), unix.W_OK
		}
		if err := unix.Access(target, mode); err != nil {
			return c.fail(OpCheckAccess, name, &os.PathError{Op: "access", Path: target, Err: err})
		}
	}
	if len(accesses) == 0 {
		if _, err := os.Lstat(path); err != nil {
			return c.fail(OpCheckAccess, name, err)
		}
	}
	return nil
}

func (c *hostController) SetReadOnly(_ context.Context, name vpath.NodeName) error {
	path := c.path(name)
	fi, err := os.Stat(path)
	if err != nil {
		return c.fail(OpSetReadOnly, name, err)
	}
	return c.fail(OpSetReadOnly, name, os.Chmod(path, fi.Mode().Perm()&^0222))
}

func (c *hostController) SetTime(_ context.Context, name vpath.NodeName, accesses []entry.Access, t time.Time) error {
	var atime, mtime time.Time
	for _, a := range accesses {
		switch a {
		case entry.ReadAccess:
			atime = t
		case entry.WriteAccess:
			mtime = t
		default:
			return c.fail(OpSetTime, name, ErrNotSupported)
		}
	}
	// A zero time leaves the corresponding file time unchanged
	return c.fail(OpSetTime, name, os.Chtimes(c.path(name), atime, mtime))
}

func (c *hostController) Make(_ context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error {
	if name.IsRoot() {
		return c.fail(OpMake, name, ErrExist)
	}
	path := c.path(name)
	fi, err := os.Lstat(path)
	switch {
	case err == nil && (opts.Has(entry.Exclusive) || typ == entry.Directory):
		return c.fail(OpMake, name, ErrExist)
	case err == nil && fi.IsDir():
		return c.fail(OpMake, name, ErrIsDirectory)
	}

	if opts.Has(entry.CreateParents) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return c.fail(OpMake, name, err)
		}
	}

	switch typ {
	case entry.Directory:
		if err := os.Mkdir(path, 0755); err != nil {
			return c.fail(OpMake, name, err)
		}
	case entry.File:
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if opts.Has(entry.Exclusive) {
			flags |= os.O_EXCL
		}
		f, err := os.OpenFile(path, flags, 0644)
		if err != nil {
			return c.fail(OpMake, name, err)
		}
		if err := f.Close(); err != nil {
			return c.fail(OpMake, name, err)
		}
	default:
		return c.fail(OpMake, name, ErrNotSupported)
	}

	if template != nil {
		if err := os.Chtimes(path, template.Time(entry.ReadAccess), template.Time(entry.WriteAccess)); err != nil {
			logger.Debug("Cannot set times of %s: %v", path, err)
		}
	}
	return nil
}

func (c *hostController) Unlink(_ context.Context, _ entry.Options, name vpath.NodeName) error {
	if name.IsRoot() {
		return c.fail(OpUnlink, name, ErrNotSupported)
	}
	return c.fail(OpUnlink, name, os.Remove(c.path(name)))
}

func (c *hostController) Sync(context.Context, SyncOptions) error {
	return nil
}

func (c *hostController) Input(name vpath.NodeName) socket.InputSocket {
	return &hostInput{c: c, name: name}
}

func (c *hostController) Output(opts entry.Options, name vpath.NodeName, template entry.Entry) socket.OutputSocket {
	return &hostOutput{c: c, name: name, opts: opts, template: template}
}

type hostInput struct {
	socket.InputBinding
	c    *hostController
	name vpath.NodeName
}

func (s *hostInput) Target(context.Context) (entry.Entry, error) {
	e, _, err := s.c.stat(s.name)
	if err != nil {
		return nil, s.c.fail(OpInput, s.name, err)
	}
	if e.Type() == entry.Directory {
		return nil, s.c.fail(OpInput, s.name, ErrIsDirectory)
	}
	return e, nil
}

func (s *hostInput) open() (*os.File, error) {
	f, err := os.Open(s.c.path(s.name))
	if err != nil {
		return nil, s.c.fail(OpInput, s.name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, s.c.fail(OpInput, s.name, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, s.c.fail(OpInput, s.name, ErrIsDirectory)
	}
	return f, nil
}

func (s *hostInput) Stream(context.Context) (io.ReadCloser, error) {
	return s.open()
}

func (s *hostInput) Channel(context.Context) (socket.Channel, error) {
	f, err := s.open()
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, s.c.fail(OpInput, s.name, err)
	}
	return socket.NewChannel(f, fi.Size(), f), nil
}

func (s *hostInput) RawStream(context.Context) (io.ReadCloser, error) {
	return nil, socket.ErrNoRawAccess
}

type hostOutput struct {
	socket.OutputBinding
	c        *hostController
	name     vpath.NodeName
	opts     entry.Options
	template entry.Entry
}

func (s *hostOutput) templateFor(ctx context.Context) entry.Entry {
	if s.template != nil {
		return s.template
	}
	t, _ := peerTarget(ctx, &s.OutputBinding)
	return t
}

func (s *hostOutput) Target(ctx context.Context) (entry.Entry, error) {
	return entry.From(s.name.String(), entry.File, s.templateFor(ctx)), nil
}

// Stream writes to a pending file that replaces the destination on Close.
// With Append the destination is written in place.
func (s *hostOutput) Stream(ctx context.Context) (io.WriteCloser, error) {
	c, path := s.c, s.c.path(s.name)
	if s.name.IsRoot() {
		return nil, c.fail(OpOutput, s.name, ErrIsDirectory)
	}
	fi, err := os.Stat(path)
	missing := errors.Is(err, os.ErrNotExist)
	switch {
	case err == nil && s.opts.Has(entry.Exclusive):
		return nil, c.fail(OpOutput, s.name, ErrExist)
	case err == nil && fi.IsDir():
		return nil, c.fail(OpOutput, s.name, ErrIsDirectory)
	}
	if s.opts.Has(entry.CreateParents) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, c.fail(OpOutput, s.name, err)
		}
	}

	tmpl := s.templateFor(ctx)
	if s.opts.Has(entry.Append) {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, c.fail(OpOutput, s.name, err)
		}
		w := &appendWriter{File: f, created: missing}
		if fi != nil {
			w.size = fi.Size()
		}
		return w, nil
	}
	f, err := c.store.Create(path, 0644)
	if err != nil {
		return nil, c.fail(OpOutput, s.name, err)
	}
	return &hostWriter{File: f, template: tmpl}, nil
}

func (s *hostOutput) RawStream(context.Context) (io.WriteCloser, error) {
	return nil, socket.ErrNoRawAccess
}

// appendWriter writes to the end of a host file. Abort restores the size
// the file had when opened, or removes it if it was created.
type appendWriter struct {
	*os.File
	size    int64
	created bool
}

func (w *appendWriter) Abort() error {
	if w.created {
		w.File.Close()
		return os.Remove(w.Name())
	}
	err := w.Truncate(w.size)
	if cerr := w.File.Close(); err == nil {
		err = cerr
	}
	return err
}

// hostWriter keeps the template's write time on the replaced file.
type hostWriter struct {
	*storage.File
	template entry.Entry
}

func (w *hostWriter) Close() error {
	if err := w.File.Close(); err != nil {
		return err
	}
	if w.template != nil {
		if mtime := w.template.Time(entry.WriteAccess); !mtime.IsZero() {
			if err := os.Chtimes(w.Name(), time.Time{}, mtime); err != nil {
				logger.Debug("Cannot set times of %s: %v", w.Name(), err)
			}
		}
	}
	return nil
}
