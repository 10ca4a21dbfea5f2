// Package vpath names things in the federated namespace: mount points for
// each mounted filesystem and node names relative to them.
package vpath

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Separator separates the segments of a NodeName.
const Separator = "/"

// MountSuffix terminates the string form of a nested mount point.
const MountSuffix = "!/"

// ErrInvalidName reports a name that escapes its mount point or is otherwise
// not representable.
var ErrInvalidName = errors.New("invalid node name")

// NodeName is a path relative to a MountPoint. It never has a leading or
// trailing separator; the zero value is the root.
type NodeName struct {
	path string
}

// Root is the distinguished empty node name.
var Root = NodeName{}

// NewNodeName cleans p and returns it as a NodeName. Leading separators are
// dropped. Names that climb above the root are rejected.
func NewNodeName(p string) (NodeName, error) {
	p = strings.ReplaceAll(p, "\\", Separator)
	trimmed := strings.TrimLeft(p, Separator)
	if trimmed == "" {
		return Root, nil
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return Root, nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return Root, fmt.Errorf("%w: %q", ErrInvalidName, p)
	}
	return NodeName{path: cleaned}, nil
}

// MustNodeName is NewNodeName for names known to be valid.
func MustNodeName(p string) NodeName {
	n, err := NewNodeName(p)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the slash separated form of the name.
func (n NodeName) String() string {
	return n.path
}

// IsRoot reports whether n is the root name.
func (n NodeName) IsRoot() bool {
	return n.path == ""
}

// Parent returns the name of the enclosing directory. The parent of the
// root is the root.
func (n NodeName) Parent() NodeName {
	i := strings.LastIndex(n.path, Separator)
	if i < 0 {
		return Root
	}
	return NodeName{path: n.path[:i]}
}

// Base returns the last segment, or "" for the root.
func (n NodeName) Base() string {
	i := strings.LastIndex(n.path, Separator)
	return n.path[i+1:]
}

// Join appends child to n.
func (n NodeName) Join(child NodeName) NodeName {
	switch {
	case child.IsRoot():
		return n
	case n.IsRoot():
		return child
	}
	return NodeName{path: n.path + Separator + child.path}
}

// Child appends a single segment to n.
func (n NodeName) Child(segment string) NodeName {
	return n.Join(MustNodeName(segment))
}

// Segments splits the name into its parts. The root has none.
func (n NodeName) Segments() []string {
	if n.IsRoot() {
		return nil
	}
	return strings.Split(n.path, Separator)
}

// MountPoint identifies one federated filesystem. The host mount point is a
// directory of the operating system; every other mount point is an archive
// entry inside its parent. Mount points are immutable values.
type MountPoint struct {
	scheme string
	parent *MountPoint
	entry  NodeName
	dir    string
	key    string
}

// HostScheme is the scheme of the host mount point.
const HostScheme = "file"

// Host returns the non-federated mount point for dir.
func Host(dir string) MountPoint {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	key := filepath.ToSlash(abs)
	if !strings.HasSuffix(key, Separator) {
		key += Separator
	}
	return MountPoint{scheme: HostScheme, dir: abs, key: key}
}

// Nest returns the mount point of the archive stored as entry in mp.
func (mp MountPoint) Nest(scheme string, entry NodeName) MountPoint {
	parent := mp
	return MountPoint{
		scheme: scheme,
		parent: &parent,
		entry:  entry,
		key:    mp.key + entry.String() + MountSuffix,
	}
}

// Scheme names the driver responsible for this mount point.
func (mp MountPoint) Scheme() string {
	return mp.scheme
}

// Parent returns the enclosing mount point. ok is false for the host.
func (mp MountPoint) Parent() (parent MountPoint, ok bool) {
	if mp.parent == nil {
		return MountPoint{}, false
	}
	return *mp.parent, true
}

// IsHost reports whether mp is the non-federated root.
func (mp MountPoint) IsHost() bool {
	return mp.parent == nil
}

// Entry is the name of the archive inside the parent. It is the root for the
// host mount point.
func (mp MountPoint) Entry() NodeName {
	return mp.entry
}

// Dir is the operating system directory of the host mount point.
func (mp MountPoint) Dir() string {
	if mp.parent != nil {
		return mp.parent.Dir()
	}
	return mp.dir
}

// String returns the hierarchical form, for example
// "/data/a/outer.zip!/b/inner.zip!/". A parent's string is always a prefix of
// its children's.
func (mp MountPoint) String() string {
	return mp.key
}

// Equal reports structural equality.
func (mp MountPoint) Equal(other MountPoint) bool {
	return mp.key == other.key && mp.scheme == other.scheme
}

// Depth counts the mount points above mp.
func (mp MountPoint) Depth() int {
	d := 0
	for p := mp.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Resolve returns the display path of name inside mp.
func (mp MountPoint) Resolve(name NodeName) string {
	return mp.key + name.String()
}
