package kernel

import (
	"sort"
	"strings"
	"time"

	"archfs/internal/driver"
	"archfs/internal/entry"
	"archfs/internal/vpath"
)

// archiveFS is the in-memory tree of one mounted archive. It is owned by
// its archive controller and only used under the model's write lock, or
// under the read lock for queries.
type archiveFS struct {
	model *Model
	drv   driver.Driver
	nodes map[string]*node

	// fresh is set for an archive created in this session, which does not
	// exist in the parent filesystem yet.
	fresh      bool
	createOpts entry.Options
	readOnly   bool
}

type node struct {
	name  vpath.NodeName
	entry entry.Mutable
	// srcName is the entry name in the input service, or "" if the content
	// does not come from the input.
	srcName string
	members map[string]struct{}
	// ghost directories are implied by the names of their members. They are
	// not written unless they are made or their times are set.
	ghost   bool
	content *blob
	raw     bool
}

func (n *node) isDir() bool {
	return n.entry.Type() == entry.Directory
}

func (n *node) setContent(b *blob, raw bool) {
	n.dropContent()
	n.content, n.raw, n.srcName = b, raw, ""
}

func (n *node) dropContent() {
	if n.content != nil {
		n.content.drop()
		n.content = nil
	}
}

func (n *node) memberNames() []string {
	out := make([]string, 0, len(n.members))
	for m := range n.members {
		out = append(out, m)
	}
	return out
}

func newRoot(d driver.Driver) (*node, error) {
	e, err := d.NewEntry(entry.NoOptions, "", entry.Directory, nil)
	if err != nil {
		return nil, err
	}
	return &node{name: vpath.Root, entry: e, members: make(map[string]struct{})}, nil
}

// newFreshFS returns an empty filesystem for an archive about to be
// created with opts.
func newFreshFS(m *Model, d driver.Driver, opts entry.Options) (*archiveFS, error) {
	root, err := newRoot(d)
	if err != nil {
		return nil, err
	}
	return &archiveFS{
		model:      m,
		drv:        d,
		nodes:      map[string]*node{"": root},
		fresh:      true,
		createOpts: opts,
	}, nil
}

// loadFS builds the tree from the entries of in.
func loadFS(m *Model, d driver.Driver, in driver.InputService, readOnly bool) (*archiveFS, error) {
	root, err := newRoot(d)
	if err != nil {
		return nil, err
	}
	fs := &archiveFS{
		model:    m,
		drv:      d,
		nodes:    map[string]*node{"": root},
		readOnly: readOnly,
	}
	for _, e := range in.Entries() {
		fs.load(e)
	}
	return fs, nil
}

func (fs *archiveFS) load(e entry.Entry) {
	src := e.Name()
	if strings.HasPrefix(src, "/") || strings.HasPrefix(src, "\\") {
		logger.Warn("Skipping absolute entry %q in %s", src, fs.model.mp)
		return
	}
	name, err := vpath.NewNodeName(src)
	if err != nil {
		logger.Warn("Skipping entry %q in %s: %v", src, fs.model.mp, err)
		return
	}
	if name.IsRoot() {
		return
	}

	m, ok := e.(entry.Mutable)
	if !ok {
		m = entry.From(src, e.Type(), e)
	}

	key := name.String()
	if existing := fs.nodes[key]; existing != nil {
		if existing.ghost && e.Type() == entry.Directory {
			existing.entry, existing.srcName, existing.ghost = m, src, false
			return
		}
		logger.Warn("Skipping duplicate entry %q in %s", src, fs.model.mp)
		return
	}

	parent := fs.ensureDir(name.Parent())
	if parent == nil {
		logger.Warn("Skipping entry %q in %s: parent is not a directory", src, fs.model.mp)
		return
	}
	n := &node{name: name, entry: m, srcName: src}
	if n.isDir() {
		n.members = make(map[string]struct{})
	}
	fs.nodes[key] = n
	parent.members[name.Base()] = struct{}{}
}

// ensureDir returns the directory node for name, creating ghost
// directories as needed. It returns nil if name or one of its parents is
// not a directory.
func (fs *archiveFS) ensureDir(name vpath.NodeName) *node {
	if n := fs.nodes[name.String()]; n != nil {
		if !n.isDir() {
			return nil
		}
		return n
	}
	parent := fs.ensureDir(name.Parent())
	if parent == nil {
		return nil
	}
	e, err := fs.drv.NewEntry(entry.NoOptions, name.String(), entry.Directory, nil)
	if err != nil {
		logger.Warn("Cannot create directory entry %q: %v", name, err)
		return nil
	}
	n := &node{name: name, entry: e, members: make(map[string]struct{}), ghost: true}
	fs.nodes[name.String()] = n
	parent.members[name.Base()] = struct{}{}
	return n
}

func (fs *archiveFS) lookup(name vpath.NodeName) *node {
	return fs.nodes[name.String()]
}

func (fs *archiveFS) root() *node {
	return fs.nodes[""]
}

func (fs *archiveFS) snapshot(n *node) *Node {
	return newNode(n.name, n.entry, n.memberNames())
}

func (fs *archiveFS) touch() {
	fs.model.setTouched(true)
}

func (fs *archiveFS) checkAccess(name vpath.NodeName, accesses []entry.Access) error {
	n := fs.lookup(name)
	for _, a := range accesses {
		switch a {
		case entry.WriteAccess, entry.CreateAccess:
			if fs.readOnly {
				return ErrReadOnly
			}
		}
		if n == nil && a != entry.CreateAccess {
			return ErrNotExist
		}
	}
	if n == nil && len(accesses) == 0 {
		return ErrNotExist
	}
	return nil
}

func (fs *archiveFS) setReadOnly(name vpath.NodeName) error {
	if !name.IsRoot() {
		return ErrNotSupported
	}
	fs.readOnly = true
	return nil
}

func (fs *archiveFS) setTime(name vpath.NodeName, accesses []entry.Access, t time.Time) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	n := fs.lookup(name)
	if n == nil {
		return ErrNotExist
	}
	for _, a := range accesses {
		if a == entry.ExecuteAccess {
			return ErrNotSupported
		}
	}
	for _, a := range accesses {
		if !n.entry.SetTime(a, t) {
			return ErrNotSupported
		}
	}
	n.ghost = false
	fs.touch()
	return nil
}

// plan checks that name can be made with typ. It returns the node to be
// replaced, if any, and the missing parent directories, outermost first.
func (fs *archiveFS) plan(name vpath.NodeName, typ entry.Type, opts entry.Options) (*node, []vpath.NodeName, error) {
	if fs.readOnly {
		return nil, nil, ErrReadOnly
	}
	if typ != entry.File && typ != entry.Directory {
		return nil, nil, ErrNotSupported
	}

	existing := fs.lookup(name)
	if existing != nil {
		switch {
		case opts.Has(entry.Exclusive):
			return nil, nil, ErrExist
		case existing.isDir() && typ == entry.File:
			return nil, nil, ErrIsDirectory
		case existing.isDir() && !existing.ghost:
			return nil, nil, ErrExist
		case !existing.isDir() && typ == entry.Directory:
			return nil, nil, ErrExist
		}
		return existing, nil, nil
	}

	var missing []vpath.NodeName
	for p := name.Parent(); ; p = p.Parent() {
		if n := fs.lookup(p); n != nil {
			if !n.isDir() {
				return nil, nil, ErrNotDirectory
			}
			break
		}
		if !opts.Has(entry.CreateParents) {
			return nil, nil, ErrNotExist
		}
		missing = append([]vpath.NodeName{p}, missing...)
	}
	return nil, missing, nil
}

// make creates name in two phases: every entry is created before the tree
// is changed, so a failure leaves the tree as it was.
func (fs *archiveFS) make(name vpath.NodeName, typ entry.Type, opts entry.Options, template entry.Entry) (*node, error) {
	if name.IsRoot() {
		if opts.Has(entry.Exclusive) || typ != entry.Directory {
			return nil, ErrExist
		}
		return fs.root(), nil
	}
	existing, missing, err := fs.plan(name, typ, opts)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	e, err := fs.drv.NewEntry(opts, name.String(), typ, template)
	if err != nil {
		return nil, err
	}
	if template == nil || template.Time(entry.WriteAccess).IsZero() {
		e.SetTime(entry.WriteAccess, now)
	}
	dirs := make([]*node, 0, len(missing))
	for _, p := range missing {
		de, err := fs.drv.NewEntry(opts.Clear(entry.Exclusive), p.String(), entry.Directory, nil)
		if err != nil {
			return nil, err
		}
		de.SetTime(entry.WriteAccess, now)
		dirs = append(dirs, &node{name: p, entry: de, members: make(map[string]struct{})})
	}

	// No failures past this point
	for _, d := range dirs {
		fs.link(d, now)
	}
	if existing != nil && existing.isDir() {
		// Materialize a ghost directory, keeping its members
		existing.entry, existing.ghost = e, false
		fs.touch()
		return existing, nil
	}
	if existing != nil {
		existing.dropContent()
	}
	n := &node{name: name, entry: e}
	if typ == entry.Directory {
		n.members = make(map[string]struct{})
	}
	fs.link(n, now)
	fs.touch()
	return n, nil
}

func (fs *archiveFS) link(n *node, now time.Time) {
	parent := fs.nodes[n.name.Parent().String()]
	parent.members[n.name.Base()] = struct{}{}
	fs.nodes[n.name.String()] = n
	fs.dirChanged(parent, now)
}

func (fs *archiveFS) dirChanged(dir *node, now time.Time) {
	if !dir.name.IsRoot() && !dir.ghost {
		dir.entry.SetTime(entry.WriteAccess, now)
	}
}

func (fs *archiveFS) unlink(name vpath.NodeName) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	n := fs.lookup(name)
	if n == nil {
		return ErrNotExist
	}
	if n.isDir() && len(n.members) > 0 {
		return ErrDirectoryNotEmpty
	}
	parent := fs.nodes[name.Parent().String()]
	delete(parent.members, name.Base())
	delete(fs.nodes, name.String())
	n.dropContent()
	// A ghost is only implied by its members; keep it once it may be empty.
	parent.ghost = false
	fs.dirChanged(parent, time.Now())
	fs.touch()
	return nil
}

// sorted lists the nodes so that every directory precedes its members.
func (fs *archiveFS) sorted() []*node {
	out := make([]*node, 0, len(fs.nodes))
	for _, n := range fs.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].name.String() < out[j].name.String()
	})
	return out
}

// release drops all staged content.
func (fs *archiveFS) release() {
	for _, n := range fs.nodes {
		n.dropContent()
	}
}
