package kernel

import (
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"

	"archfs/internal/iopool"
	"archfs/internal/socket"
)

// accountant tracks the streams open on one archive filesystem, so sync
// can tell whether it is safe to replace the filesystem.
type accountant struct {
	mu      sync.Mutex
	inputs  map[io.Closer]struct{}
	outputs map[*outputStream]struct{}
	idle    chan struct{}
}

func newAccountant() *accountant {
	return &accountant{
		inputs:  make(map[io.Closer]struct{}),
		outputs: make(map[*outputStream]struct{}),
	}
}

func (a *accountant) counts() (inputs, outputs int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs), len(a.outputs)
}

// idleChan is closed once no stream is open.
func (a *accountant) idleChan() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idle == nil {
		ch := make(chan struct{})
		if len(a.inputs)+len(a.outputs) == 0 {
			close(ch)
			return ch
		}
		a.idle = ch
	}
	return a.idle
}

func (a *accountant) addInput(c io.Closer) {
	a.mu.Lock()
	a.inputs[c] = struct{}{}
	a.mu.Unlock()
}

func (a *accountant) addOutput(s *outputStream) {
	a.mu.Lock()
	a.outputs[s] = struct{}{}
	a.mu.Unlock()
}

func (a *accountant) removeInput(c io.Closer) {
	a.mu.Lock()
	delete(a.inputs, c)
	a.signalLocked()
	a.mu.Unlock()
}

func (a *accountant) removeOutput(s *outputStream) {
	a.mu.Lock()
	delete(a.outputs, s)
	a.signalLocked()
	a.mu.Unlock()
}

func (a *accountant) signalLocked() {
	if a.idle != nil && len(a.inputs)+len(a.outputs) == 0 {
		close(a.idle)
		a.idle = nil
	}
}

// closeInputs force closes every open input stream.
func (a *accountant) closeInputs() error {
	a.mu.Lock()
	open := make([]io.Closer, 0, len(a.inputs))
	for c := range a.inputs {
		open = append(open, c)
	}
	a.mu.Unlock()

	var result *multierror.Error
	for _, c := range open {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// closeOutputs force closes every open output stream, committing it, or
// aborting it if abort is set.
func (a *accountant) closeOutputs(abort bool) error {
	a.mu.Lock()
	open := make([]*outputStream, 0, len(a.outputs))
	for s := range a.outputs {
		open = append(open, s)
	}
	a.mu.Unlock()

	var result *multierror.Error
	for _, s := range open {
		var err error
		if abort {
			err = s.Abort()
		} else {
			err = s.Close()
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// inputStream is an accounted reader.
type inputStream struct {
	mu     sync.Mutex
	r      io.ReadCloser
	acct   *accountant
	closed bool
}

func (a *accountant) trackReader(r io.ReadCloser) io.ReadCloser {
	s := &inputStream{r: r, acct: a}
	a.addInput(s)
	return s
}

func (s *inputStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	return s.r.Read(p)
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	err := s.r.Close()
	s.acct.removeInput(s)
	return err
}

// inputChannel is an accounted channel.
type inputChannel struct {
	mu     sync.RWMutex
	ch     socket.Channel
	acct   *accountant
	closed bool
}

func (a *accountant) trackChannel(ch socket.Channel) socket.Channel {
	c := &inputChannel{ch: ch, acct: a}
	a.addInput(c)
	return c
}

func (c *inputChannel) ReadAt(p []byte, off int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrStreamClosed
	}
	return c.ch.ReadAt(p, off)
}

func (c *inputChannel) Size() int64 {
	return c.ch.Size()
}

func (c *inputChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStreamClosed
	}
	c.closed = true
	err := c.ch.Close()
	c.acct.removeInput(c)
	return err
}

// outputStream is an accounted writer. Closing commits, aborting discards.
type outputStream struct {
	mu     sync.Mutex
	w      io.WriteCloser
	acct   *accountant
	closed bool
}

func (a *accountant) trackWriter(w io.WriteCloser) *outputStream {
	s := &outputStream{w: w, acct: a}
	a.addOutput(s)
	return s
}

func (s *outputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	return s.w.Write(p)
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	err := s.w.Close()
	s.acct.removeOutput(s)
	return err
}

func (s *outputStream) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := socket.Abort(s.w)
	s.acct.removeOutput(s)
	return err
}

// blob is staged entry content shared by a node and its open readers. The
// buffer is released when the node drops it and the last reader closes.
type blob struct {
	mu      sync.Mutex
	buf     iopool.Buffer
	refs    int
	dropped bool
}

func newBlob(buf iopool.Buffer) *blob {
	return &blob{buf: buf, refs: 1}
}

func (b *blob) size() int64 {
	return b.buf.Size()
}

func (b *blob) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return false
	}
	b.refs++
	return true
}

func (b *blob) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs == 0 {
		if err := b.buf.Release(); err != nil {
			logger.Warn("Failed to release staged buffer: %v", err)
		}
	}
}

// drop gives up the node's reference.
func (b *blob) drop() {
	b.mu.Lock()
	if b.dropped {
		b.mu.Unlock()
		return
	}
	b.dropped = true
	b.mu.Unlock()
	b.release()
}

// reader opens the content. The caller must have acquired a reference,
// which is released on Close.
func (b *blob) reader() io.ReadCloser {
	return &blobReader{Reader: b.buf.Reader(), b: b}
}

// channel opens the content for random access, under the same rules as
// reader.
func (b *blob) channel() socket.Channel {
	return socket.NewChannel(b.buf, b.buf.Size(), blobRef{b})
}

type blobReader struct {
	io.Reader
	b    *blob
	once sync.Once
}

func (r *blobReader) Close() error {
	r.once.Do(r.b.release)
	return nil
}

type blobRef struct{ b *blob }

func (r blobRef) Close() error {
	r.b.release()
	return nil
}
