package kernel

import (
	"context"
	"io"
	"sync"

	"archfs/internal/entry"
	"archfs/internal/socket"
)

// serialSocket is an input socket of a driver's input service. Readers share
// the model's read lock, so calls into the service are serialized by mu.
// Streams it returns are read without mu.
type serialSocket struct {
	mu    *sync.Mutex
	inner socket.InputSocket
}

// source returns the socket of the archive entry name in the input service.
func (c *archiveController) source(name string) socket.InputSocket {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	return &serialSocket{mu: &c.inputMu, inner: c.input.Input(name)}
}

func (s *serialSocket) Target(ctx context.Context) (entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Target(ctx)
}

func (s *serialSocket) Stream(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Stream(ctx)
}

func (s *serialSocket) Channel(ctx context.Context) (socket.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Channel(ctx)
}

func (s *serialSocket) RawStream(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.RawStream(ctx)
}

func (s *serialSocket) Bind(peer socket.OutputSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.Bind(peer)
}

func (s *serialSocket) Peer() socket.OutputSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Peer()
}
