package kernel

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"weak"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"archfs/internal/driver"
	"archfs/internal/iopool"
	"archfs/internal/storage"
	"archfs/internal/vpath"
)

// Options configure a Manager.
type Options struct {
	// Drivers resolves the scheme of every nested mount point.
	Drivers *driver.Registry
	// Store replaces host files. Nil means atomic replacement without
	// backups.
	Store *storage.Store
	// Pool stages entry content written to archives. Nil means each
	// driver's own pool.
	Pool iopool.Pool
	// Decorators wrap every controller, innermost first.
	Decorators []Decorator
}

// Manager owns the controllers of a federation. It hands out one Handle
// per mount point and holds it weakly, except while its model is touched
// or mounted.
type Manager struct {
	drivers    *driver.Registry
	store      *storage.Store
	pool       iopool.Pool
	decorators []Decorator

	mu   sync.Mutex
	tree *btree.BTreeG[*registration]
	pins map[string]*Handle
}

type registration struct {
	key    string
	handle weak.Pointer[Handle]
}

func lessRegistration(a, b *registration) bool {
	return a.key < b.key
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	drivers := opts.Drivers
	if drivers == nil {
		drivers = driver.NewRegistry()
	}
	return &Manager{
		drivers:    drivers,
		store:      opts.Store,
		pool:       opts.Pool,
		decorators: opts.Decorators,
		tree:       btree.NewG(8, lessRegistration),
		pins:       make(map[string]*Handle),
	}
}

// Drivers returns the driver registry.
func (m *Manager) Drivers() *driver.Registry {
	return m.drivers
}

// Controller returns the handle for mp, creating it and the handles of its
// parents as needed. d is used for mp itself; if nil, or for the parents,
// the driver is looked up by scheme.
func (m *Manager) Controller(mp vpath.MountPoint, d driver.Driver) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller(mp, d)
}

func (m *Manager) controller(mp vpath.MountPoint, d driver.Driver) (*Handle, error) {
	key := mp.String()
	if r, ok := m.tree.Get(&registration{key: key}); ok {
		if h := r.handle.Value(); h != nil && h.model.mp.Equal(mp) {
			return h, nil
		}
	}

	var (
		model *Model
		chain Controller
	)
	parentMP, nested := mp.Parent()
	if !nested {
		model = newModel(mp, nil)
		chain = newHostController(model, m.store)
	} else {
		parent, err := m.controller(parentMP, nil)
		if err != nil {
			return nil, err
		}
		if d == nil {
			var ok bool
			if d, ok = m.drivers.Lookup(mp.Scheme()); !ok {
				return nil, fmt.Errorf("no driver for scheme %q of %s", mp.Scheme(), mp)
			}
		}
		model = newModel(mp, parent.model)
		var c Controller = newArchiveController(model, parent, d, m.pool)
		c = newFalsePositiveController(c)
		c = newLockController(c)
		chain = newResetController(c)
	}
	for _, dec := range m.decorators {
		chain = dec(chain)
	}

	h := &Handle{Controller: chain, model: model}
	wp := weak.Make(h)
	model.setListener(func(md *Model) { m.updatePin(key, md, wp) })
	m.tree.ReplaceOrInsert(&registration{key: key, handle: wp})
	runtime.AddCleanup(h, m.forget, key)

	logger.Debug("Created controller for %s", mp)
	return h, nil
}

// updatePin keeps the handle of a touched or mounted model reachable.
func (m *Manager) updatePin(key string, md *Model, wp weak.Pointer[Handle]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if md.Touched() || md.Mounted() {
		if h := wp.Value(); h != nil {
			m.pins[key] = h
		}
		return
	}
	delete(m.pins, key)
}

// forget drops the registration of a collected handle.
func (m *Manager) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.tree.Get(&registration{key: key}); ok && r.handle.Value() == nil {
		m.tree.Delete(r)
		logger.Trace("Forgot controller for %s", key)
	}
}

// Handles returns the live handles whose mount point starts with prefix,
// children before their parents.
func (m *Manager) Handles(prefix string) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Handle
	m.tree.Descend(func(r *registration) bool {
		if strings.HasPrefix(r.key, prefix) {
			if h := r.handle.Value(); h != nil {
				out = append(out, h)
			}
		}
		return true
	})
	return out
}

// Sync syncs every filesystem of the federation.
func (m *Manager) Sync(ctx context.Context, opts SyncOptions) error {
	return m.sync(ctx, "", opts)
}

// SyncPrefix syncs mp and every filesystem nested in it.
func (m *Manager) SyncPrefix(ctx context.Context, mp vpath.MountPoint, opts SyncOptions) error {
	return m.sync(ctx, mp.String(), opts)
}

// sync walks children before parents. A failure skips the enclosing
// filesystems, whose content would depend on it, but not unrelated ones.
// Every failure and skip is collected into one multierror of SyncErrors.
func (m *Manager) sync(ctx context.Context, prefix string, opts SyncOptions) error {
	var (
		result *multierror.Error
		failed []string
	)
	for _, h := range m.Handles(prefix) {
		key := h.model.mp.String()
		if blocked(failed, key) {
			failed = append(failed, key)
			if h.model.Touched() {
				logger.Warn("Skipping sync of %s: a nested archive failed to sync", key)
				result = multierror.Append(result, &SyncError{MountPoint: h.model.mp, Err: ErrNestedSync})
			}
			continue
		}
		if h.model.Touched() {
			m.releaseIdle(ctx, h, opts)
		}
		if err := h.Sync(ctx, opts); err != nil {
			serr := asSyncError(h.model.mp, err)
			if serr.Warning {
				logger.Warn("%v", serr)
			} else {
				logger.Error("%v", serr)
				failed = append(failed, key)
			}
			result = multierror.Append(result, serr)
		}
	}
	return result.ErrorOrNil()
}

// releaseIdle unmounts the untouched filesystems nested in h. A mounted
// archive reads its content through a channel on its parent, which would
// otherwise keep h busy. A nested filesystem that stays busy is left alone;
// h's own sync then reports it.
func (m *Manager) releaseIdle(ctx context.Context, h *Handle, opts SyncOptions) {
	key := h.model.mp.String()
	release := opts&(SyncWaitClose|SyncForceCloseInput|SyncForceCloseOutput) | SyncClearCache
	for _, d := range m.Handles(key) {
		if d == h || !d.model.Mounted() || d.model.Touched() {
			continue
		}
		if err := d.Sync(ctx, release); err != nil {
			logger.Debug("Keeping %s mounted: %v", d.model.mp, err)
			continue
		}
		logger.Trace("Released idle %s before syncing %s", d.model.mp, key)
	}
}

func blocked(failed []string, key string) bool {
	for _, f := range failed {
		if f != key && strings.HasPrefix(f, key) {
			return true
		}
	}
	return false
}
