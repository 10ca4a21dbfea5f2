// Package socket provides lazily resolved handles for reading and writing the
// content of one entry.
//
// A socket does no I/O until one of its methods is called, so a controller can
// hand out sockets cheaply and resolve them under its own locking rules. An
// input socket and an output socket may be bound to each other as peers.
// Binding is directional: Bind only changes the socket it is called on.
// Connect binds both sides. A bound socket can inspect its peer's target,
// which is how two sockets of the same driver agree on a raw copy of the
// stored bytes.
package socket

import (
	"context"
	"errors"
	"io"

	"archfs/internal/entry"
)

// ErrNoRawAccess is returned by RawStream when a socket cannot read or write
// the stored representation of its entry.
var ErrNoRawAccess = errors.New("raw access not supported")

// Channel is a random access view of an entry's content.
type Channel interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// InputSocket reads the content of one entry.
type InputSocket interface {
	// Target resolves the entry this socket reads.
	Target(ctx context.Context) (entry.Entry, error)
	// Stream opens the decoded content.
	Stream(ctx context.Context) (io.ReadCloser, error)
	// Channel opens the decoded content for random access.
	Channel(ctx context.Context) (Channel, error)
	// RawStream opens the stored content, or fails with ErrNoRawAccess.
	RawStream(ctx context.Context) (io.ReadCloser, error)

	Bind(peer OutputSocket)
	Peer() OutputSocket
}

// OutputSocket writes the content of one entry.
type OutputSocket interface {
	// Target resolves the entry this socket writes.
	Target(ctx context.Context) (entry.Entry, error)
	// Stream opens a writer for decoded content. Closing it commits the
	// entry; aborting it discards everything written.
	Stream(ctx context.Context) (io.WriteCloser, error)
	// RawStream opens a writer for stored content shaped like the peer's
	// target, or fails with ErrNoRawAccess.
	RawStream(ctx context.Context) (io.WriteCloser, error)

	Bind(peer InputSocket)
	Peer() InputSocket
}

// Aborter is implemented by writers that can discard what was written
// instead of committing it.
type Aborter interface {
	Abort() error
}

// RawCompatible is implemented by targets that accept raw copies only from
// some sources of their own type.
type RawCompatible interface {
	RawCompatible(src entry.Entry) bool
}

// InputBinding implements the peer half of InputSocket.
type InputBinding struct {
	peer OutputSocket
}

func (b *InputBinding) Bind(peer OutputSocket) { b.peer = peer }

func (b *InputBinding) Peer() OutputSocket { return b.peer }

// PeerTarget resolves the target of the bound output socket, or nil.
func (b *InputBinding) PeerTarget(ctx context.Context) (entry.Entry, error) {
	if b.peer == nil {
		return nil, nil
	}
	return b.peer.Target(ctx)
}

// OutputBinding implements the peer half of OutputSocket.
type OutputBinding struct {
	peer InputSocket
}

func (b *OutputBinding) Bind(peer InputSocket) { b.peer = peer }

func (b *OutputBinding) Peer() InputSocket { return b.peer }

// PeerTarget resolves the target of the bound input socket, or nil.
func (b *OutputBinding) PeerTarget(ctx context.Context) (entry.Entry, error) {
	if b.peer == nil {
		return nil, nil
	}
	return b.peer.Target(ctx)
}

// Connect binds in and out to each other.
func Connect(in InputSocket, out OutputSocket) {
	in.Bind(out)
	out.Bind(in)
}

// Abort discards w if it supports it and closes it otherwise.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}
