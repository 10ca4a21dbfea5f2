package kernel

import (
	"context"
	"time"

	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// resetController returns the model to its unmounted state after the root
// of the archive is removed, so the next operation mounts afresh. This is
// what allows replacing an archive with a directory or plain file of the
// same name, and the reverse, in one session.
type resetController struct {
	next  Controller
	model *Model
}

func newResetController(next Controller) *resetController {
	return &resetController{next: next, model: next.Model()}
}

func (c *resetController) Model() *Model { return c.model }

func (c *resetController) Parent() Controller { return c.next.Parent() }

func (c *resetController) Unlink(ctx context.Context, opts entry.Options, name vpath.NodeName) error {
	err := c.next.Unlink(ctx, opts, name)
	if name.IsRoot() && (err == nil || !c.model.Touched()) {
		if rerr := c.next.Sync(ctx, SyncReset|SyncWaitClose); rerr != nil {
			logger.Warn("Failed to reset %s: %v", c.model.mp, rerr)
		}
	}
	return err
}

func (c *resetController) Node(ctx context.Context, name vpath.NodeName) (*Node, error) {
	return c.next.Node(ctx, name)
}

func (c *resetController) CheckAccess(ctx context.Context, name vpath.NodeName, accesses ...entry.Access) error {
	return c.next.CheckAccess(ctx, name, accesses...)
}

func (c *resetController) SetReadOnly(ctx context.Context, name vpath.NodeName) error {
	return c.next.SetReadOnly(ctx, name)
}

func (c *resetController) SetTime(ctx context.Context, name vpath.NodeName, accesses []entry.Access, t time.Time) error {
	return c.next.SetTime(ctx, name, accesses, t)
}

func (c *resetController) Input(name vpath.NodeName) socket.InputSocket {
	return c.next.Input(name)
}

func (c *resetController) Output(opts entry.Options, name vpath.NodeName, template entry.Entry) socket.OutputSocket {
	return c.next.Output(opts, name, template)
}

func (c *resetController) Make(ctx context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error {
	return c.next.Make(ctx, opts, name, typ, template)
}

func (c *resetController) Sync(ctx context.Context, opts SyncOptions) error {
	return c.next.Sync(ctx, opts)
}
