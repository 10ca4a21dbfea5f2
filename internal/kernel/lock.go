package kernel

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// A holding records that the scope of a context owns the lock of a model.
// Go has no goroutine identity, so the context stands in for the thread:
// every call made with a context derived from the one passed to a locked
// operation is treated as running inside it, until the operation returns.
type holding struct {
	model    *Model
	write    bool
	released atomic.Bool
	next     *holding
}

type holdingKey struct{}

// holds reports which lock of m the scope of ctx owns.
func holds(ctx context.Context, m *Model) (read, write bool) {
	h, _ := ctx.Value(holdingKey{}).(*holding)
	for ; h != nil; h = h.next {
		if h.model == m && !h.released.Load() {
			if h.write {
				return false, true
			}
			read = true
		}
	}
	return read, false
}

// withHolding returns a context inside the lock of m. Calling release ends
// the scope.
func withHolding(ctx context.Context, m *Model, write bool) (scoped context.Context, release func()) {
	next, _ := ctx.Value(holdingKey{}).(*holding)
	h := &holding{model: m, write: write, next: next}
	return context.WithValue(ctx, holdingKey{}, h), func() { h.released.Store(true) }
}

type peerTargetKey struct{}

// withPeerTarget carries the resolved target of an output socket's peer
// into the locked section, so the inner socket does not need to lock the
// peer's filesystem while holding its own.
func withPeerTarget(ctx context.Context, t entry.Entry) context.Context {
	return context.WithValue(ctx, peerTargetKey{}, t)
}

// peerTarget returns the peer target carried by ctx, or resolves it from b.
func peerTarget(ctx context.Context, b *socket.OutputBinding) (entry.Entry, error) {
	if t, ok := ctx.Value(peerTargetKey{}).(entry.Entry); ok {
		return t, nil
	}
	return b.PeerTarget(ctx)
}

type lockOutcome int

const (
	lockDone lockOutcome = iota
	lockNeedsWrite
)

// lockController serializes access to one model. Read-like operations run
// under the read lock and are retried under the write lock if they find the
// filesystem needs mounting.
type lockController struct {
	next  Controller
	model *Model
}

func newLockController(next Controller) *lockController {
	return &lockController{next: next, model: next.Model()}
}

func (c *lockController) Model() *Model { return c.model }

func (c *lockController) Parent() Controller { return c.next.Parent() }

// tryRead runs fn under the read lock. It reports lockNeedsWrite instead of
// an error if fn needs the write lock.
func (c *lockController) tryRead(ctx context.Context, fn func(context.Context) error) (lockOutcome, error) {
	c.model.lock.RLock()
	defer c.model.lock.RUnlock()
	scoped, release := withHolding(ctx, c.model, false)
	defer release()
	err := fn(scoped)
	if errors.Is(err, errNeedsWriteLock) {
		return lockNeedsWrite, nil
	}
	return lockDone, err
}

func (c *lockController) read(ctx context.Context, op string, name vpath.NodeName, fn func(context.Context) error) error {
	read, write := holds(ctx, c.model)
	if read || write {
		err := fn(ctx)
		if errors.Is(err, errNeedsWriteLock) {
			return fail(op, c.model.mp, name, ErrLockEscalation)
		}
		return err
	}

	outcome, err := c.tryRead(ctx, fn)
	if outcome == lockDone {
		return err
	}
	logger.Trace("Escalating %s on %s to write lock", op, c.model.mp)
	return c.write(ctx, op, name, fn)
}

func (c *lockController) write(ctx context.Context, op string, name vpath.NodeName, fn func(context.Context) error) error {
	read, write := holds(ctx, c.model)
	switch {
	case write:
		return fn(ctx)
	case read:
		return fail(op, c.model.mp, name, ErrLockEscalation)
	}
	c.model.lock.Lock()
	defer c.model.lock.Unlock()
	scoped, release := withHolding(ctx, c.model, true)
	defer release()
	return fn(scoped)
}

func (c *lockController) Node(ctx context.Context, name vpath.NodeName) (*Node, error) {
	var n *Node
	err := c.read(ctx, OpNode, name, func(ctx context.Context) error {
		var err error
		n, err = c.next.Node(ctx, name)
		return err
	})
	return n, err
}

func (c *lockController) CheckAccess(ctx context.Context, name vpath.NodeName, accesses ...entry.Access) error {
	return c.read(ctx, OpCheckAccess, name, func(ctx context.Context) error {
		return c.next.CheckAccess(ctx, name, accesses...)
	})
}

func (c *lockController) SetReadOnly(ctx context.Context, name vpath.NodeName) error {
	return c.write(ctx, OpSetReadOnly, name, func(ctx context.Context) error {
		return c.next.SetReadOnly(ctx, name)
	})
}

func (c *lockController) SetTime(ctx context.Context, name vpath.NodeName, accesses []entry.Access, t time.Time) error {
	return c.write(ctx, OpSetTime, name, func(ctx context.Context) error {
		return c.next.SetTime(ctx, name, accesses, t)
	})
}

func (c *lockController) Make(ctx context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error {
	return c.write(ctx, OpMake, name, func(ctx context.Context) error {
		return c.next.Make(ctx, opts, name, typ, template)
	})
}

func (c *lockController) Unlink(ctx context.Context, opts entry.Options, name vpath.NodeName) error {
	return c.write(ctx, OpUnlink, name, func(ctx context.Context) error {
		return c.next.Unlink(ctx, opts, name)
	})
}

// Sync takes the write lock, failing with a BusyError if it is not free
// unless SyncWaitClose is given. With SyncWaitClose a filesystem busy with
// open streams is retried once they are closed, with the lock released in
// between.
func (c *lockController) Sync(ctx context.Context, opts SyncOptions) error {
	read, write := holds(ctx, c.model)
	switch {
	case write:
		return c.next.Sync(ctx, opts)
	case read:
		return fail(OpSync, c.model.mp, vpath.Root, ErrLockEscalation)
	}

	for {
		if opts.Has(SyncWaitClose) {
			c.model.lock.Lock()
		} else if !c.model.lock.TryLock() {
			return &BusyError{MountPoint: c.model.mp}
		}
		scoped, release := withHolding(ctx, c.model, true)
		err := c.next.Sync(scoped, opts)
		release()
		c.model.lock.Unlock()

		var busy *BusyError
		if !opts.Has(SyncWaitClose) || !errors.As(err, &busy) || busy.idle == nil {
			return err
		}
		logger.Debug("Waiting for %d input and %d output streams of %s", busy.Inputs, busy.Outputs, c.model.mp)
		select {
		case <-busy.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *lockController) Input(name vpath.NodeName) socket.InputSocket {
	return &lockInput{c: c, name: name, inner: c.next.Input(name)}
}

func (c *lockController) Output(opts entry.Options, name vpath.NodeName, template entry.Entry) socket.OutputSocket {
	return &lockOutput{c: c, name: name, inner: c.next.Output(opts, name, template)}
}

type lockInput struct {
	c     *lockController
	name  vpath.NodeName
	inner socket.InputSocket
}

func (s *lockInput) Bind(peer socket.OutputSocket) { s.inner.Bind(peer) }

func (s *lockInput) Peer() socket.OutputSocket { return s.inner.Peer() }

func (s *lockInput) Target(ctx context.Context) (entry.Entry, error) {
	var t entry.Entry
	err := s.c.read(ctx, OpInput, s.name, func(ctx context.Context) error {
		var err error
		t, err = s.inner.Target(ctx)
		return err
	})
	return t, err
}

func (s *lockInput) Stream(ctx context.Context) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := s.c.read(ctx, OpInput, s.name, func(ctx context.Context) error {
		var err error
		r, err = s.inner.Stream(ctx)
		return err
	})
	return r, err
}

func (s *lockInput) Channel(ctx context.Context) (socket.Channel, error) {
	var ch socket.Channel
	err := s.c.read(ctx, OpInput, s.name, func(ctx context.Context) error {
		var err error
		ch, err = s.inner.Channel(ctx)
		return err
	})
	return ch, err
}

func (s *lockInput) RawStream(ctx context.Context) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := s.c.read(ctx, OpInput, s.name, func(ctx context.Context) error {
		var err error
		r, err = s.inner.RawStream(ctx)
		return err
	})
	return r, err
}

type lockOutput struct {
	c     *lockController
	name  vpath.NodeName
	inner socket.OutputSocket
}

func (s *lockOutput) Bind(peer socket.InputSocket) { s.inner.Bind(peer) }

func (s *lockOutput) Peer() socket.InputSocket { return s.inner.Peer() }

// resolvePeer looks up the peer target before this filesystem is locked.
func (s *lockOutput) resolvePeer(ctx context.Context) context.Context {
	if _, ok := ctx.Value(peerTargetKey{}).(entry.Entry); ok {
		return ctx
	}
	if p := s.inner.Peer(); p != nil {
		if t, err := p.Target(ctx); err == nil && t != nil {
			return withPeerTarget(ctx, t)
		}
	}
	return ctx
}

func (s *lockOutput) Target(ctx context.Context) (entry.Entry, error) {
	ctx = s.resolvePeer(ctx)
	var t entry.Entry
	err := s.c.read(ctx, OpOutput, s.name, func(ctx context.Context) error {
		var err error
		t, err = s.inner.Target(ctx)
		return err
	})
	return t, err
}

func (s *lockOutput) Stream(ctx context.Context) (io.WriteCloser, error) {
	return s.open(ctx, s.inner.Stream)
}

func (s *lockOutput) RawStream(ctx context.Context) (io.WriteCloser, error) {
	return s.open(ctx, s.inner.RawStream)
}

func (s *lockOutput) open(ctx context.Context, open func(context.Context) (io.WriteCloser, error)) (io.WriteCloser, error) {
	ctx = s.resolvePeer(ctx)
	var w io.WriteCloser
	err := s.c.read(ctx, OpOutput, s.name, func(ctx context.Context) error {
		var err error
		w, err = open(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockWriter{WriteCloser: w, ctx: ctx, model: s.c.model, name: s.name}, nil
}

// lockWriter commits under the write lock. ctx is the context the stream
// was opened with; closing it from a scope that holds the read lock of the
// same filesystem fails with ErrLockEscalation and leaves the stream open.
type lockWriter struct {
	io.WriteCloser
	ctx   context.Context
	model *Model
	name  vpath.NodeName
}

func (w *lockWriter) locked(fn func() error) error {
	read, write := holds(w.ctx, w.model)
	switch {
	case write:
		return fn()
	case read:
		return fail(OpOutput, w.model.mp, w.name, ErrLockEscalation)
	}
	w.model.lock.Lock()
	defer w.model.lock.Unlock()
	return fn()
}

func (w *lockWriter) Close() error {
	return w.locked(w.WriteCloser.Close)
}

func (w *lockWriter) Abort() error {
	return w.locked(func() error { return socket.Abort(w.WriteCloser) })
}
