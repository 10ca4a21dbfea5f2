package kernel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// falsePositiveController resolves Reroute results of the archive
// controller by repeating the operation on the enclosing filesystem.
// Persistent false positives are remembered until the next sync that
// clears caches, so the mount is not attempted again.
type falsePositiveController struct {
	next  Controller
	model *Model

	mu     sync.Mutex
	cached *Reroute
}

func newFalsePositiveController(next Controller) *falsePositiveController {
	return &falsePositiveController{next: next, model: next.Model()}
}

func (c *falsePositiveController) Model() *Model { return c.model }

func (c *falsePositiveController) Parent() Controller { return c.next.Parent() }

func (c *falsePositiveController) cachedReroute() *Reroute {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

func (c *falsePositiveController) clearCache() {
	c.mu.Lock()
	if c.cached != nil {
		logger.Trace("Forgetting false positive %s", c.model.mp)
	}
	c.cached = nil
	c.mu.Unlock()
}

// resolve inspects the result of an attempt on the archive. It returns the
// reroute to follow, or nil if err is final.
func (c *falsePositiveController) resolve(err error) *Reroute {
	var rr *Reroute
	if !errors.As(err, &rr) {
		return nil
	}
	if rr.Persistent {
		c.mu.Lock()
		c.cached = rr
		c.mu.Unlock()
	}
	logger.Debug("Rerouting %s to parent: %v", c.model.mp, rr)
	return rr
}

// route runs op on the archive, or on the parent for a false positive.
func (c *falsePositiveController) route(name vpath.NodeName, op func(Controller, vpath.NodeName) error) error {
	if rr := c.cachedReroute(); rr != nil {
		return op(rr.Parent, rr.Name.Join(name))
	}
	err := op(c.next, name)
	if rr := c.resolve(err); rr != nil {
		return op(rr.Parent, rr.Name.Join(name))
	}
	return err
}

func (c *falsePositiveController) Node(ctx context.Context, name vpath.NodeName) (*Node, error) {
	var n *Node
	err := c.route(name, func(ctl Controller, name vpath.NodeName) error {
		var err error
		n, err = ctl.Node(ctx, name)
		return err
	})
	return n, err
}

func (c *falsePositiveController) CheckAccess(ctx context.Context, name vpath.NodeName, accesses ...entry.Access) error {
	return c.route(name, func(ctl Controller, name vpath.NodeName) error {
		return ctl.CheckAccess(ctx, name, accesses...)
	})
}

func (c *falsePositiveController) SetReadOnly(ctx context.Context, name vpath.NodeName) error {
	return c.route(name, func(ctl Controller, name vpath.NodeName) error {
		return ctl.SetReadOnly(ctx, name)
	})
}

func (c *falsePositiveController) SetTime(ctx context.Context, name vpath.NodeName, accesses []entry.Access, t time.Time) error {
	return c.route(name, func(ctl Controller, name vpath.NodeName) error {
		return ctl.SetTime(ctx, name, accesses, t)
	})
}

func (c *falsePositiveController) Make(ctx context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error {
	return c.route(name, func(ctl Controller, name vpath.NodeName) error {
		return ctl.Make(ctx, opts, name, typ, template)
	})
}

func (c *falsePositiveController) Unlink(ctx context.Context, opts entry.Options, name vpath.NodeName) error {
	return c.route(name, func(ctl Controller, name vpath.NodeName) error {
		return ctl.Unlink(ctx, opts, name)
	})
}

func (c *falsePositiveController) Sync(ctx context.Context, opts SyncOptions) error {
	err := c.next.Sync(ctx, opts)
	if opts.Has(SyncClearCache) || opts.Has(SyncReset) {
		c.clearCache()
	}
	return err
}

func (c *falsePositiveController) Input(name vpath.NodeName) socket.InputSocket {
	return &fpInput{c: c, name: name, inner: c.next.Input(name)}
}

func (c *falsePositiveController) Output(opts entry.Options, name vpath.NodeName, template entry.Entry) socket.OutputSocket {
	return &fpOutput{c: c, name: name, opts: opts, template: template, inner: c.next.Output(opts, name, template)}
}

// fpInput follows reroutes for each socket method. The parent socket is
// created on first reroute and keeps the binding of this socket.
type fpInput struct {
	c     *falsePositiveController
	name  vpath.NodeName
	inner socket.InputSocket

	mu     sync.Mutex
	parent socket.InputSocket
}

func (s *fpInput) Bind(peer socket.OutputSocket) {
	s.inner.Bind(peer)
	s.mu.Lock()
	if s.parent != nil {
		s.parent.Bind(peer)
	}
	s.mu.Unlock()
}

func (s *fpInput) Peer() socket.OutputSocket { return s.inner.Peer() }

func (s *fpInput) parentSocket(rr *Reroute) socket.InputSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil {
		s.parent = rr.Parent.Input(rr.Name.Join(s.name))
		if peer := s.inner.Peer(); peer != nil {
			s.parent.Bind(peer)
		}
	}
	return s.parent
}

func (s *fpInput) do(fn func(socket.InputSocket) error) error {
	if rr := s.c.cachedReroute(); rr != nil {
		return fn(s.parentSocket(rr))
	}
	err := fn(s.inner)
	if rr := s.c.resolve(err); rr != nil {
		return fn(s.parentSocket(rr))
	}
	return err
}

func (s *fpInput) Target(ctx context.Context) (entry.Entry, error) {
	var t entry.Entry
	err := s.do(func(in socket.InputSocket) error {
		var err error
		t, err = in.Target(ctx)
		return err
	})
	return t, err
}

func (s *fpInput) Stream(ctx context.Context) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := s.do(func(in socket.InputSocket) error {
		var err error
		r, err = in.Stream(ctx)
		return err
	})
	return r, err
}

func (s *fpInput) Channel(ctx context.Context) (socket.Channel, error) {
	var ch socket.Channel
	err := s.do(func(in socket.InputSocket) error {
		var err error
		ch, err = in.Channel(ctx)
		return err
	})
	return ch, err
}

func (s *fpInput) RawStream(ctx context.Context) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := s.do(func(in socket.InputSocket) error {
		var err error
		r, err = in.RawStream(ctx)
		return err
	})
	return r, err
}

type fpOutput struct {
	c        *falsePositiveController
	name     vpath.NodeName
	opts     entry.Options
	template entry.Entry
	inner    socket.OutputSocket

	mu     sync.Mutex
	parent socket.OutputSocket
}

func (s *fpOutput) Bind(peer socket.InputSocket) {
	s.inner.Bind(peer)
	s.mu.Lock()
	if s.parent != nil {
		s.parent.Bind(peer)
	}
	s.mu.Unlock()
}

func (s *fpOutput) Peer() socket.InputSocket { return s.inner.Peer() }

func (s *fpOutput) parentSocket(rr *Reroute) socket.OutputSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parent == nil {
		s.parent = rr.Parent.Output(s.opts, rr.Name.Join(s.name), s.template)
		if peer := s.inner.Peer(); peer != nil {
			s.parent.Bind(peer)
		}
	}
	return s.parent
}

func (s *fpOutput) do(fn func(socket.OutputSocket) error) error {
	if rr := s.c.cachedReroute(); rr != nil {
		return fn(s.parentSocket(rr))
	}
	err := fn(s.inner)
	if rr := s.c.resolve(err); rr != nil {
		return fn(s.parentSocket(rr))
	}
	return err
}

func (s *fpOutput) Target(ctx context.Context) (entry.Entry, error) {
	var t entry.Entry
	err := s.do(func(out socket.OutputSocket) error {
		var err error
		t, err = out.Target(ctx)
		return err
	})
	return t, err
}

func (s *fpOutput) Stream(ctx context.Context) (io.WriteCloser, error) {
	var w io.WriteCloser
	err := s.do(func(out socket.OutputSocket) error {
		var err error
		w, err = out.Stream(ctx)
		return err
	})
	return w, err
}

func (s *fpOutput) RawStream(ctx context.Context) (io.WriteCloser, error) {
	var w io.WriteCloser
	err := s.do(func(out socket.OutputSocket) error {
		var err error
		w, err = out.RawStream(ctx)
		return err
	})
	return w, err
}
