package kernel

import (
	"fmt"
	"sort"
	"time"

	"archfs/internal/entry"
	"archfs/internal/vpath"
)

// Node is a snapshot of one filesystem object. It implements entry.Entry
// with the node name as name.
type Node struct {
	name    vpath.NodeName
	typ     entry.Type
	sizes   [len(entry.Sizes)]int64
	times   [len(entry.TimedAccesses)]time.Time
	members []string
}

// newNode snapshots e under name. members is copied and sorted.
func newNode(name vpath.NodeName, e entry.Entry, members []string) *Node {
	n := &Node{name: name, typ: e.Type()}
	for i, s := range entry.Sizes {
		n.sizes[i] = e.Size(s)
	}
	for i, a := range entry.TimedAccesses {
		n.times[i] = e.Time(a)
	}
	if e.Type() == entry.Directory {
		n.members = append([]string{}, members...)
		sort.Strings(n.members)
	}
	return n
}

func (n *Node) Name() string { return n.name.String() }

// NodeName returns the name relative to the mount point.
func (n *Node) NodeName() vpath.NodeName { return n.name }

func (n *Node) Type() entry.Type { return n.typ }

func (n *Node) Size(s entry.Size) int64 {
	if int(s) < 0 || int(s) >= len(n.sizes) {
		return entry.Unknown
	}
	return n.sizes[s]
}

func (n *Node) Time(a entry.Access) time.Time {
	if int(a) < 0 || int(a) >= len(n.times) {
		return time.Time{}
	}
	return n.times[a]
}

// Members lists the base names of a directory's children in order. It is
// nil for other types.
func (n *Node) Members() []string {
	if n.members == nil {
		return nil
	}
	return append([]string{}, n.members...)
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.typ == entry.Directory }

func (n *Node) String() string {
	return fmt.Sprintf("%s[%s]", n.name, n.typ)
}
