// Package kernel implements the federated filesystem: one controller chain
// per mount point, each guarding the in-memory model of one archive, linked
// to the controller of the enclosing filesystem and committed back to
// storage by the sync engine.
package kernel

import (
	"sync"
	"sync/atomic"

	"archfs/internal/logging"
	"archfs/internal/vpath"
)

var logger = logging.GetLogger().WithPrefix("kernel")

// Model is the mutable record of one mount point.
type Model struct {
	mp     vpath.MountPoint
	parent *Model
	lock   sync.RWMutex

	touched atomic.Bool
	mounted atomic.Bool

	mu       sync.Mutex
	listener func(*Model)
}

func newModel(mp vpath.MountPoint, parent *Model) *Model {
	return &Model{mp: mp, parent: parent}
}

// MountPoint identifies the filesystem.
func (m *Model) MountPoint() vpath.MountPoint {
	return m.mp
}

// Parent returns the model of the enclosing filesystem, or nil for the
// host.
func (m *Model) Parent() *Model {
	return m.parent
}

// Touched reports whether the filesystem has changes not yet committed.
func (m *Model) Touched() bool {
	return m.touched.Load()
}

// Mounted reports whether the filesystem is loaded in memory.
func (m *Model) Mounted() bool {
	return m.mounted.Load()
}

func (m *Model) setTouched(v bool) {
	if m.touched.Swap(v) != v {
		logger.Trace("Model %s touched=%v", m.mp, v)
		m.changed()
	}
}

func (m *Model) setMounted(v bool) {
	if m.mounted.Swap(v) != v {
		logger.Trace("Model %s mounted=%v", m.mp, v)
		m.changed()
	}
}

// setListener registers fn to be called after touched or mounted change.
func (m *Model) setListener(fn func(*Model)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

func (m *Model) changed() {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (m *Model) String() string {
	return m.mp.String()
}
