package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"archfs/internal/driver"
	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// archiveController is the innermost controller of an archive mount point.
// It mounts the archive from the parent filesystem on first use and
// commits it back on sync. Callers must hold the model's lock; operations
// that find the archive unmounted under the read lock return
// errNeedsWriteLock.
type archiveController struct {
	model  *Model
	parent Controller
	drv    driver.Driver
	pool   iopool.Pool
	acct   *accountant

	fs      *archiveFS
	input   driver.InputService
	inputMu sync.Mutex
}

func newArchiveController(m *Model, parent Controller, d driver.Driver, pool iopool.Pool) *archiveController {
	if pool == nil {
		pool = d.Pool()
	}
	return &archiveController{
		model:  m,
		parent: parent,
		drv:    d,
		pool:   pool,
		acct:   newAccountant(),
	}
}

func (c *archiveController) Model() *Model { return c.model }

func (c *archiveController) Parent() Controller { return c.parent }

// entryName is the archive's name in the parent filesystem.
func (c *archiveController) entryName() vpath.NodeName {
	return c.model.mp.Entry()
}

func (c *archiveController) reroute(persistent bool, cause error) *Reroute {
	return &Reroute{Parent: c.parent, Name: c.entryName(), Persistent: persistent, Cause: cause}
}

// autoMount returns the mounted filesystem, mounting it if needed. If
// autoCreate is set and the archive does not exist, an empty filesystem is
// created and created is reported.
func (c *archiveController) autoMount(ctx context.Context, autoCreate bool, opts entry.Options) (fs *archiveFS, created bool, err error) {
	if c.fs != nil {
		return c.fs, false, nil
	}
	if _, write := holds(ctx, c.model); !write {
		return nil, false, errNeedsWriteLock
	}
	return c.mount(ctx, autoCreate, opts)
}

func (c *archiveController) mount(ctx context.Context, autoCreate bool, opts entry.Options) (*archiveFS, bool, error) {
	mp, pn := c.model.mp, c.entryName()

	pnode, err := c.parent.Node(ctx, pn)
	switch {
	case errors.Is(err, ErrNotExist):
		if !autoCreate {
			return nil, false, c.reroute(false, err)
		}
		if err := c.checkCreatable(ctx, opts); err != nil {
			return nil, false, err
		}
		fs, err := newFreshFS(c.model, c.drv, opts)
		if err != nil {
			return nil, false, err
		}
		c.fs = fs
		c.model.setMounted(true)
		logger.Debug("Created new %s archive %s", c.drv.Scheme(), mp)
		return fs, true, nil
	case err != nil:
		return nil, false, err
	}

	switch pnode.Type() {
	case entry.Directory:
		return nil, false, c.reroute(true, ErrIsDirectory)
	case entry.Special:
		return nil, false, c.reroute(false, ErrNotSupported)
	}

	readOnly := c.parent.CheckAccess(ctx, pn, entry.WriteAccess) != nil
	in, err := c.drv.NewInput(ctx, c.model, c.parent.Input(pn))
	if err != nil {
		logger.Debug("%s is not a %s archive: %v", mp, c.drv.Scheme(), err)
		return nil, false, c.reroute(true, err)
	}
	fs, err := loadFS(c.model, c.drv, in, readOnly)
	if err != nil {
		in.Close()
		return nil, false, err
	}
	c.fs, c.input = fs, in
	c.model.setMounted(true)
	logger.Debug("Mounted %s with %d nodes (read-only=%v)", mp, len(fs.nodes), readOnly)
	return fs, false, nil
}

// checkCreatable verifies that the archive can be created in the parent.
func (c *archiveController) checkCreatable(ctx context.Context, opts entry.Options) error {
	pn := c.entryName()
	if !opts.Has(entry.CreateParents) {
		dir, err := c.parent.Node(ctx, pn.Parent())
		if err != nil {
			return err
		}
		if !dir.IsDir() {
			return ErrNotDirectory
		}
	}
	if err := c.parent.CheckAccess(ctx, pn, entry.CreateAccess); err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}
	return nil
}

// unmount forgets the filesystem. An error closing the input leaves the
// archive consistent and is reported as a warning.
func (c *archiveController) unmount() error {
	var err error
	if c.input != nil {
		if cerr := c.input.Close(); cerr != nil {
			err = &SyncError{MountPoint: c.model.mp, Err: cerr, Warning: true}
		}
	}
	if c.fs != nil {
		c.fs.release()
	}
	c.fs, c.input = nil, nil
	c.model.setTouched(false)
	c.model.setMounted(false)
	return err
}

func (c *archiveController) Node(ctx context.Context, name vpath.NodeName) (*Node, error) {
	fs, _, err := c.autoMount(ctx, false, entry.NoOptions)
	if err != nil {
		return nil, fail(OpNode, c.model.mp, name, err)
	}
	n := fs.lookup(name)
	if n == nil {
		return nil, fail(OpNode, c.model.mp, name, ErrNotExist)
	}
	return fs.snapshot(n), nil
}

func (c *archiveController) CheckAccess(ctx context.Context, name vpath.NodeName, accesses ...entry.Access) error {
	fs, _, err := c.autoMount(ctx, false, entry.NoOptions)
	if err != nil {
		return fail(OpCheckAccess, c.model.mp, name, err)
	}
	return fail(OpCheckAccess, c.model.mp, name, fs.checkAccess(name, accesses))
}

func (c *archiveController) SetReadOnly(ctx context.Context, name vpath.NodeName) error {
	fs, _, err := c.autoMount(ctx, false, entry.NoOptions)
	if err != nil {
		return fail(OpSetReadOnly, c.model.mp, name, err)
	}
	return fail(OpSetReadOnly, c.model.mp, name, fs.setReadOnly(name))
}

func (c *archiveController) SetTime(ctx context.Context, name vpath.NodeName, accesses []entry.Access, t time.Time) error {
	fs, _, err := c.autoMount(ctx, false, entry.NoOptions)
	if err != nil {
		return fail(OpSetTime, c.model.mp, name, err)
	}
	return fail(OpSetTime, c.model.mp, name, fs.setTime(name, accesses, t))
}

func (c *archiveController) Make(ctx context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error {
	if name.IsRoot() {
		return fail(OpMake, c.model.mp, name, c.makeRoot(ctx, opts, typ))
	}
	fs, created, err := c.autoMount(ctx, opts.Has(entry.CreateParents), opts)
	if err != nil {
		return fail(OpMake, c.model.mp, name, err)
	}
	if _, err := fs.make(name, typ, opts, template); err != nil {
		if created {
			c.unmount()
		}
		return fail(OpMake, c.model.mp, name, err)
	}
	return nil
}

// makeRoot creates the archive itself. Making the root as a file makes a
// plain file of the archive's name in the parent.
func (c *archiveController) makeRoot(ctx context.Context, opts entry.Options, typ entry.Type) error {
	if typ != entry.Directory {
		if c.fs != nil {
			return ErrExist
		}
		return c.reroute(false, ErrNotDirectory)
	}
	_, created, err := c.autoMount(ctx, true, opts)
	switch {
	case err != nil:
		return err
	case !created && opts.Has(entry.Exclusive):
		return ErrExist
	case created:
		c.fs.touch()
	}
	return nil
}

func (c *archiveController) Unlink(ctx context.Context, opts entry.Options, name vpath.NodeName) error {
	fs, _, err := c.autoMount(ctx, false, entry.NoOptions)
	if err != nil {
		return fail(OpUnlink, c.model.mp, name, err)
	}
	if !name.IsRoot() {
		return fail(OpUnlink, c.model.mp, name, fs.unlink(name))
	}

	// Removing the root removes the archive. The reset controller then
	// returns the model to its unmounted state.
	switch {
	case fs.readOnly:
		return fail(OpUnlink, c.model.mp, name, ErrReadOnly)
	case len(fs.root().members) > 0:
		return fail(OpUnlink, c.model.mp, name, ErrDirectoryNotEmpty)
	}
	if in, out := c.acct.counts(); in+out > 0 {
		return &BusyError{MountPoint: c.model.mp, Inputs: in, Outputs: out, idle: c.acct.idleChan()}
	}
	if fs.fresh {
		return nil
	}
	return c.parent.Unlink(ctx, opts, c.entryName())
}

func (c *archiveController) Sync(ctx context.Context, opts SyncOptions) error {
	if c.fs == nil && !opts.Has(SyncReset) {
		return nil
	}

	touched := c.model.Touched()
	if !touched && !opts.Has(SyncClearCache) && !opts.Has(SyncReset) {
		return nil
	}

	warning, err := c.closeStreams(opts)
	if err != nil {
		return err
	}

	switch {
	case opts.Has(SyncReset):
		logger.Debug("Resetting %s", c.model.mp)
		if err := c.unmount(); err != nil {
			logger.Warn("Reset of %s: %v", c.model.mp, err)
		}
		return warning
	case c.fs == nil:
		return warning
	case c.model.Touched() && opts.Has(SyncAbortChanges):
		logger.Info("Discarding changes to %s", c.model.mp)
		if err := c.unmount(); err != nil {
			return err
		}
		return warning
	case c.model.Touched():
		if err := c.commit(ctx); err != nil {
			return err
		}
	}
	if err := c.unmount(); err != nil {
		return err
	}
	return warning
}

// closeStreams force closes streams as opts allow. It fails with a
// BusyError if streams remain open. Errors from closing streams are
// returned as a warning.
func (c *archiveController) closeStreams(opts SyncOptions) (warning, err error) {
	in, out := c.acct.counts()
	if in+out == 0 {
		return nil, nil
	}

	reset := opts.Has(SyncReset)
	var cerr error
	if in > 0 && (reset || opts.Has(SyncForceCloseInput)) {
		logger.Debug("Force closing %d input streams of %s", in, c.model.mp)
		cerr = errors.Join(cerr, c.acct.closeInputs())
	}
	if out > 0 && (reset || opts.Has(SyncForceCloseOutput)) {
		logger.Debug("Force closing %d output streams of %s", out, c.model.mp)
		cerr = errors.Join(cerr, c.acct.closeOutputs(reset || opts.Has(SyncAbortChanges)))
	}
	if cerr != nil {
		warning = &SyncError{MountPoint: c.model.mp, Err: cerr, Warning: true}
	}

	if in, out = c.acct.counts(); in+out > 0 {
		return nil, &BusyError{MountPoint: c.model.mp, Inputs: in, Outputs: out, idle: c.acct.idleChan()}
	}
	return warning, nil
}

// commit writes every node to a new archive in the parent. On failure the
// output is aborted and the filesystem stays mounted and touched.
func (c *archiveController) commit(ctx context.Context) error {
	mp := c.model.mp
	opts := entry.NoOptions
	if c.fs.fresh {
		opts = c.fs.createOpts.Clear(entry.Exclusive | entry.Append)
	}

	sink := c.parent.Output(opts, c.entryName(), nil)
	out, err := c.drv.NewOutput(ctx, c.model, sink, c.input)
	if err != nil {
		return fail(OpSync, mp, vpath.Root, err)
	}

	nodes := c.fs.sorted()
	for _, n := range nodes {
		if n.name.IsRoot() || n.ghost {
			continue
		}
		if err := c.writeNode(ctx, out, n); err != nil {
			if aerr := out.Abort(); aerr != nil {
				logger.Warn("Failed to abort output of %s: %v", mp, aerr)
			}
			return fail(OpSync, mp, n.name, err)
		}
	}
	if err := out.Close(); err != nil {
		return fail(OpSync, mp, vpath.Root, err)
	}
	logger.Info("Synced %s (%d nodes)", mp, len(nodes)-1)
	return nil
}

func (c *archiveController) writeNode(ctx context.Context, out driver.OutputService, n *node) error {
	dst := out.Output(n.entry)
	switch {
	case n.isDir():
		w, err := dst.Stream(ctx)
		if err != nil {
			return err
		}
		return w.Close()
	case n.content != nil:
		return socket.Copy(ctx, &blobInput{c: c, n: n}, dst)
	case n.srcName != "":
		return socket.Copy(ctx, c.source(n.srcName), dst)
	}
	w, err := dst.Stream(ctx)
	if err != nil {
		return err
	}
	return w.Close()
}

// open returns a reader over the decoded content of n.
func (c *archiveController) open(ctx context.Context, n *node) (io.ReadCloser, error) {
	switch {
	case n.content != nil:
		if !n.content.acquire() {
			return nil, ErrStreamClosed
		}
		r := n.content.reader()
		if !n.raw {
			return r, nil
		}
		dec, ok := c.drv.(driver.RawDecoder)
		if !ok {
			r.Close()
			return nil, ErrNotSupported
		}
		d, err := dec.DecodeRaw(n.entry, r)
		if err != nil {
			r.Close()
			return nil, err
		}
		return &chainCloser{ReadCloser: d, next: r}, nil
	case n.srcName != "":
		return c.source(n.srcName).Stream(ctx)
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (c *archiveController) Input(name vpath.NodeName) socket.InputSocket {
	return &archiveInput{c: c, name: name}
}

func (c *archiveController) Output(opts entry.Options, name vpath.NodeName, template entry.Entry) socket.OutputSocket {
	return &archiveOutput{c: c, name: name, opts: opts, template: template}
}

// chainCloser closes next after the reader itself.
type chainCloser struct {
	io.ReadCloser
	next io.Closer
}

func (c *chainCloser) Close() error {
	err := c.ReadCloser.Close()
	if nerr := c.next.Close(); err == nil {
		err = nerr
	}
	return err
}

type archiveInput struct {
	socket.InputBinding
	c    *archiveController
	name vpath.NodeName
}

// file resolves the node to read. Reading the root reads the archive file
// itself from the parent.
func (s *archiveInput) file(ctx context.Context) (*node, error) {
	if s.name.IsRoot() {
		return nil, s.c.reroute(false, ErrIsDirectory)
	}
	fs, _, err := s.c.autoMount(ctx, false, entry.NoOptions)
	if err != nil {
		return nil, err
	}
	n := fs.lookup(s.name)
	switch {
	case n == nil:
		return nil, ErrNotExist
	case n.isDir():
		return nil, ErrIsDirectory
	}
	return n, nil
}

func (s *archiveInput) Target(ctx context.Context) (entry.Entry, error) {
	n, err := s.file(ctx)
	if err != nil {
		return nil, fail(OpInput, s.c.model.mp, s.name, err)
	}
	return n.entry, nil
}

func (s *archiveInput) Stream(ctx context.Context) (io.ReadCloser, error) {
	n, err := s.file(ctx)
	if err != nil {
		return nil, fail(OpInput, s.c.model.mp, s.name, err)
	}
	r, err := s.c.open(ctx, n)
	if err != nil {
		return nil, fail(OpInput, s.c.model.mp, s.name, err)
	}
	return s.c.acct.trackReader(r), nil
}

func (s *archiveInput) Channel(ctx context.Context) (socket.Channel, error) {
	n, err := s.file(ctx)
	if err != nil {
		return nil, fail(OpInput, s.c.model.mp, s.name, err)
	}

	var ch socket.Channel
	switch {
	case n.content != nil && !n.raw:
		if !n.content.acquire() {
			return nil, fail(OpInput, s.c.model.mp, s.name, ErrStreamClosed)
		}
		ch = n.content.channel()
	case n.srcName != "" && n.content == nil:
		ch, err = s.c.source(n.srcName).Channel(ctx)
	default:
		var r io.ReadCloser
		if r, err = s.c.open(ctx, n); err == nil {
			ch, err = socket.StageChannel(r, s.c.pool)
		}
	}
	if err != nil {
		return nil, fail(OpInput, s.c.model.mp, s.name, err)
	}
	return s.c.acct.trackChannel(ch), nil
}

func (s *archiveInput) RawStream(ctx context.Context) (io.ReadCloser, error) {
	n, err := s.file(ctx)
	if err != nil {
		return nil, fail(OpInput, s.c.model.mp, s.name, err)
	}

	var r io.ReadCloser
	switch {
	case n.content != nil && n.raw:
		if !n.content.acquire() {
			return nil, fail(OpInput, s.c.model.mp, s.name, ErrStreamClosed)
		}
		r = n.content.reader()
	case n.content == nil && n.srcName != "":
		if r, err = s.c.source(n.srcName).RawStream(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, socket.ErrNoRawAccess
	}
	return s.c.acct.trackReader(r), nil
}

// blobInput reads staged content during commit.
type blobInput struct {
	socket.InputBinding
	c *archiveController
	n *node
}

func (s *blobInput) Target(context.Context) (entry.Entry, error) {
	return s.n.entry, nil
}

func (s *blobInput) Stream(ctx context.Context) (io.ReadCloser, error) {
	return s.c.open(ctx, s.n)
}

func (s *blobInput) Channel(ctx context.Context) (socket.Channel, error) {
	r, err := s.c.open(ctx, s.n)
	if err != nil {
		return nil, err
	}
	return socket.StageChannel(r, s.c.pool)
}

func (s *blobInput) RawStream(context.Context) (io.ReadCloser, error) {
	if !s.n.raw {
		return nil, socket.ErrNoRawAccess
	}
	if !s.n.content.acquire() {
		return nil, ErrStreamClosed
	}
	return s.n.content.reader(), nil
}

type archiveOutput struct {
	socket.OutputBinding
	c        *archiveController
	name     vpath.NodeName
	opts     entry.Options
	template entry.Entry
}

func (s *archiveOutput) templateFor(ctx context.Context) (entry.Entry, error) {
	if s.template != nil {
		return s.template, nil
	}
	return peerTarget(ctx, &s.OutputBinding)
}

// Target is the entry that will be created. It does not need the
// filesystem.
func (s *archiveOutput) Target(ctx context.Context) (entry.Entry, error) {
	if s.name.IsRoot() {
		return nil, s.c.reroute(false, ErrIsDirectory)
	}
	tmpl, err := s.templateFor(ctx)
	if err != nil {
		return nil, fail(OpOutput, s.c.model.mp, s.name, err)
	}
	e, err := s.c.drv.NewEntry(s.opts, s.name.String(), entry.File, tmpl)
	if err != nil {
		return nil, fail(OpOutput, s.c.model.mp, s.name, err)
	}
	return e, nil
}

func (s *archiveOutput) Stream(ctx context.Context) (io.WriteCloser, error) {
	tmpl, err := s.templateFor(ctx)
	if err != nil {
		return nil, fail(OpOutput, s.c.model.mp, s.name, err)
	}
	w, err := s.open(ctx, tmpl, false)
	return w, fail(OpOutput, s.c.model.mp, s.name, err)
}

// RawStream accepts the stored bytes of the peer's entry. It needs a peer
// of this driver's entry type and a driver that can decode raw content.
func (s *archiveOutput) RawStream(ctx context.Context) (io.WriteCloser, error) {
	if _, ok := s.c.drv.(driver.RawDecoder); !ok {
		return nil, socket.ErrNoRawAccess
	}
	pt, err := peerTarget(ctx, &s.OutputBinding)
	if err != nil {
		return nil, fail(OpOutput, s.c.model.mp, s.name, err)
	}
	if pt == nil {
		return nil, socket.ErrNoRawAccess
	}
	w, err := s.open(ctx, pt, true)
	return w, fail(OpOutput, s.c.model.mp, s.name, err)
}

func (s *archiveOutput) open(ctx context.Context, tmpl entry.Entry, raw bool) (io.WriteCloser, error) {
	c := s.c
	if s.name.IsRoot() {
		// Writing the root replaces the archive file in the parent
		if c.fs != nil {
			if c.model.Touched() {
				return nil, ErrBusy
			}
			if _, write := holds(ctx, c.model); !write {
				return nil, errNeedsWriteLock
			}
			if err := c.unmount(); err != nil {
				logger.Warn("Releasing %s: %v", c.model.mp, err)
			}
		}
		return nil, c.reroute(false, ErrIsDirectory)
	}

	fs, created, err := c.autoMount(ctx, s.opts.Has(entry.CreateParents), s.opts)
	if err != nil {
		return nil, err
	}
	existing, _, err := fs.plan(s.name, entry.File, s.opts)
	if err != nil {
		if created {
			c.unmount()
		}
		return nil, err
	}

	buf, err := c.pool.Allocate()
	if err != nil {
		return nil, err
	}
	if s.opts.Has(entry.Append) && !raw && existing != nil {
		if err := c.copyInto(ctx, buf, existing); err != nil {
			buf.Release()
			return nil, err
		}
	}

	w := &stagedWriter{
		c:        c,
		name:     s.name,
		opts:     s.opts.Clear(entry.Exclusive | entry.Append),
		template: tmpl,
		raw:      raw,
		buf:      buf,
	}
	logger.Trace("Staging output %s (raw=%v)", c.model.mp.Resolve(s.name), raw)
	return c.acct.trackWriter(w), nil
}

func (c *archiveController) copyInto(ctx context.Context, buf iopool.Buffer, n *node) error {
	r, err := c.open(ctx, n)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(buf, r)
	return err
}

// stagedWriter buffers the content of one entry. The node is made only
// when it is closed, under the model's write lock.
type stagedWriter struct {
	c        *archiveController
	name     vpath.NodeName
	opts     entry.Options
	template entry.Entry
	raw      bool
	buf      iopool.Buffer
}

func (w *stagedWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *stagedWriter) Close() error {
	fs := w.c.fs
	if fs == nil {
		w.buf.Release()
		return fail(OpOutput, w.c.model.mp, w.name, ErrStreamClosed)
	}
	n, err := fs.make(w.name, entry.File, w.opts, w.template)
	if err != nil {
		w.buf.Release()
		return fail(OpOutput, w.c.model.mp, w.name, err)
	}
	n.setContent(newBlob(w.buf), w.raw)
	if !w.raw {
		n.entry.SetSize(entry.DataSize, w.buf.Size())
		n.entry.SetSize(entry.StorageSize, entry.Unknown)
	}
	logger.Trace("Committed %d staged bytes to %s", w.buf.Size(), w.c.model.mp.Resolve(w.name))
	return nil
}

func (w *stagedWriter) Abort() error {
	logger.Trace("Discarding staged output %s", w.c.model.mp.Resolve(w.name))
	return w.buf.Release()
}

func (c *archiveController) String() string {
	return fmt.Sprintf("archive(%s:%s)", c.drv.Scheme(), c.model.mp)
}
