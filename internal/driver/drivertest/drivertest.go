// Package drivertest provides in-memory sockets for testing drivers
// without a kernel.
package drivertest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"archfs/internal/entry"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// Model is a fixed driver.Model.
type Model struct {
	MP vpath.MountPoint
}

func (m Model) MountPoint() vpath.MountPoint { return m.MP }

func (m Model) Touched() bool { return false }

// NewModel returns a model mounted at archive within host directory /test.
func NewModel(scheme, archive string) Model {
	return Model{MP: vpath.Host("/test").Nest(scheme, vpath.MustNodeName(archive))}
}

// Source is an input socket over a byte slice.
type Source struct {
	socket.InputBinding
	Name string
	Data []byte
}

func (s *Source) Target(context.Context) (entry.Entry, error) {
	e := entry.New(s.Name, entry.File)
	e.SetSize(entry.DataSize, int64(len(s.Data)))
	return e, nil
}

func (s *Source) Stream(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

func (s *Source) Channel(context.Context) (socket.Channel, error) {
	return socket.NewChannel(bytes.NewReader(s.Data), int64(len(s.Data)), nil), nil
}

func (s *Source) RawStream(context.Context) (io.ReadCloser, error) {
	return nil, socket.ErrNoRawAccess
}

// Sink is an output socket collecting what is written. Bytes become
// visible in Data only when the stream is closed.
type Sink struct {
	socket.OutputBinding
	Name string

	mu        sync.Mutex
	data      []byte
	committed bool
	aborted   bool
}

func (s *Sink) Target(context.Context) (entry.Entry, error) {
	return entry.New(s.Name, entry.File), nil
}

func (s *Sink) Stream(context.Context) (io.WriteCloser, error) {
	return &sinkWriter{sink: s}, nil
}

func (s *Sink) RawStream(context.Context) (io.WriteCloser, error) {
	return nil, socket.ErrNoRawAccess
}

// Data returns the committed bytes.
func (s *Sink) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Committed reports whether a stream was closed.
func (s *Sink) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Aborted reports whether a stream was aborted.
func (s *Sink) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

var errDone = errors.New("sink writer already closed")

type sinkWriter struct {
	sink *Sink
	buf  bytes.Buffer
	done bool
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errDone
	}
	return w.buf.Write(p)
}

func (w *sinkWriter) Close() error {
	if w.done {
		return errDone
	}
	w.done = true
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.data = w.buf.Bytes()
	w.sink.committed = true
	return nil
}

func (w *sinkWriter) Abort() error {
	if w.done {
		return errDone
	}
	w.done = true
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.aborted = true
	return nil
}

// WriteEntry writes data as a new entry of out through its output socket.
func WriteEntry(ctx context.Context, out interface {
	Output(entry.Entry) socket.OutputSocket
}, e entry.Entry, data []byte) error {
	w, err := out.Output(e).Stream(ctx)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		socket.Abort(w)
		return err
	}
	return w.Close()
}

// ReadEntry reads the decoded content of name from in.
func ReadEntry(ctx context.Context, in interface {
	Input(string) socket.InputSocket
}, name string) ([]byte, error) {
	r, err := in.Input(name).Stream(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
