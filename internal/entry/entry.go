// Package entry defines the unit exchanged between the kernel and archive
// drivers: a named filesystem object with a type, sizes and times.
package entry

import (
	"fmt"
	"time"
)

// Type is the kind of a filesystem object.
type Type int

const (
	File Type = iota
	Directory
	Special
)

func (t Type) String() string {
	switch t {
	case File:
		return "FILE"
	case Directory:
		return "DIRECTORY"
	case Special:
		return "SPECIAL"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Size selects one of the sizes of an entry.
type Size int

const (
	// DataSize is the length of the decoded content.
	DataSize Size = iota
	// StorageSize is the length of the stored, possibly compressed, content.
	StorageSize
)

// Sizes lists every Size.
var Sizes = [...]Size{DataSize, StorageSize}

// Access selects one kind of access, for timestamps and access checks.
type Access int

const (
	ReadAccess Access = iota
	WriteAccess
	CreateAccess
	ExecuteAccess
)

// TimedAccesses lists the accesses that carry a timestamp.
var TimedAccesses = [...]Access{ReadAccess, WriteAccess, CreateAccess}

func (a Access) String() string {
	switch a {
	case ReadAccess:
		return "READ"
	case WriteAccess:
		return "WRITE"
	case CreateAccess:
		return "CREATE"
	case ExecuteAccess:
		return "EXECUTE"
	}
	return fmt.Sprintf("Access(%d)", int(a))
}

// Unknown is the value of a size that is not known. It is distinct from 0.
// An unknown time is the zero time.Time, which is distinct from the Unix
// epoch.
const Unknown int64 = -1

// Entry is a read-only view of a filesystem object.
type Entry interface {
	Name() string
	Type() Type
	Size(Size) int64
	Time(Access) time.Time
}

// Mutable is an Entry whose sizes and times can be updated. The setters
// report false if the entry does not support the given kind.
type Mutable interface {
	Entry
	SetSize(Size, int64) bool
	SetTime(Access, time.Time) bool
}

// Base is a plain Mutable entry. Drivers embed it.
type Base struct {
	name  string
	typ   Type
	sizes [len(Sizes)]int64
	times [len(TimedAccesses)]time.Time
}

// New returns an entry with all sizes and times unknown.
func New(name string, typ Type) *Base {
	b := &Base{name: name, typ: typ}
	for i := range b.sizes {
		b.sizes[i] = Unknown
	}
	return b
}

// From returns a copy of template renamed to name with type typ. A nil
// template yields New(name, typ).
func From(name string, typ Type, template Entry) *Base {
	b := New(name, typ)
	if template != nil {
		CopyAttributes(b, template)
	}
	return b
}

// CopyAttributes copies all sizes and times from src to dst.
func CopyAttributes(dst Mutable, src Entry) {
	for _, s := range Sizes {
		dst.SetSize(s, src.Size(s))
	}
	for _, a := range TimedAccesses {
		dst.SetTime(a, src.Time(a))
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Type() Type { return b.typ }

func (b *Base) Size(s Size) int64 {
	if int(s) < 0 || int(s) >= len(b.sizes) {
		return Unknown
	}
	return b.sizes[s]
}

func (b *Base) SetSize(s Size, v int64) bool {
	if int(s) < 0 || int(s) >= len(b.sizes) {
		return false
	}
	if v < 0 {
		v = Unknown
	}
	b.sizes[s] = v
	return true
}

func (b *Base) Time(a Access) time.Time {
	if int(a) < 0 || int(a) >= len(b.times) {
		return time.Time{}
	}
	return b.times[a]
}

func (b *Base) SetTime(a Access, t time.Time) bool {
	if int(a) < 0 || int(a) >= len(b.times) {
		return false
	}
	b.times[a] = t
	return true
}

func (b *Base) String() string {
	return fmt.Sprintf("%s[%s]", b.name, b.typ)
}
