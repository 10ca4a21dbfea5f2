package entry

import "strings"

// Options modify how an entry is accessed. They combine as bit flags.
type Options uint

const (
	// Exclusive makes creating an entry fail if it already exists.
	Exclusive Options = 1 << iota
	// CreateParents creates missing parent directories and archives.
	CreateParents
	// Append keeps the existing content and writes after it.
	Append
	// Store asks the driver to store content without compression.
	Store
	// Compress asks the driver to compress content.
	Compress
)

// NoOptions is the empty option set.
const NoOptions Options = 0

// Has reports whether every flag in o2 is set in o.
func (o Options) Has(o2 Options) bool {
	return o&o2 == o2
}

// Set returns o with o2 added.
func (o Options) Set(o2 Options) Options {
	return o | o2
}

// Clear returns o with o2 removed.
func (o Options) Clear(o2 Options) Options {
	return o &^ o2
}

func (o Options) String() string {
	names := []string{}
	for _, f := range []struct {
		flag Options
		name string
	}{
		{Exclusive, "EXCLUSIVE"},
		{CreateParents, "CREATE_PARENTS"},
		{Append, "APPEND"},
		{Store, "STORE"},
		{Compress, "COMPRESS"},
	} {
		if o.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return "[" + strings.Join(names, ",") + "]"
}
