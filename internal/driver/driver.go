// Package driver defines the boundary between the kernel and archive
// format codecs.
//
// The kernel hands a driver a byte source (the archive file as an input
// socket of the enclosing filesystem) and gets back an InputService listing
// the archive's entries. To commit, the kernel hands the driver a byte sink
// and gets back an OutputService that accepts entries one at a time. Services
// and their sockets are used by one goroutine at a time and need not be safe
// for concurrent use. Streams opened from different sockets may be read
// concurrently.
package driver

import (
	"context"
	"io"

	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// Model is what a driver may learn about the archive it serves.
type Model interface {
	MountPoint() vpath.MountPoint
	Touched() bool
}

// Driver encodes and decodes one archive format.
type Driver interface {
	// Scheme names the format, for example "zip" or "tar.gz".
	Scheme() string

	// Pool provides buffers for staging entry content.
	Pool() iopool.Pool

	// NewInput reads the archive from source. An error means source does not
	// hold a valid archive of this format.
	NewInput(ctx context.Context, model Model, source socket.InputSocket) (InputService, error)

	// NewOutput prepares a new archive written to sink. If prior is not nil it
	// is the service the archive was read from; drivers may carry archive
	// level data such as comments over from it.
	NewOutput(ctx context.Context, model Model, sink socket.OutputSocket, prior InputService) (OutputService, error)

	// NewEntry creates an entry. If template is not nil, its attributes
	// except name and type are copied.
	NewEntry(opts entry.Options, name string, typ entry.Type, template entry.Entry) (entry.Mutable, error)
}

// Container is a set of entries.
type Container interface {
	// Entries lists every entry. Directory names carry no trailing separator.
	Entries() []entry.Entry
	// Entry looks up one entry by name, returning nil if absent.
	Entry(name string) entry.Entry
}

// InputService reads the entries of one archive.
type InputService interface {
	Container
	Input(name string) socket.InputSocket
	io.Closer
}

// OutputService writes the entries of one archive. At most one output
// stream is open at a time.
type OutputService interface {
	Container
	Output(e entry.Entry) socket.OutputSocket
	// Close finishes the archive and commits the sink.
	Close() error
	// Abort discards the archive and aborts the sink.
	Abort() error
}

// RawDecoder is implemented by drivers that can decode the stored bytes of
// their own entries without an input service.
type RawDecoder interface {
	DecodeRaw(e entry.Entry, stored io.Reader) (io.ReadCloser, error)
}
