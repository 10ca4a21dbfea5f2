package socket

import (
	"context"
	"io"
	"sync"

	"archfs/internal/entry"
	"archfs/internal/iopool"
)

// NewChannel wraps a ReaderAt of known size. closer may be nil.
func NewChannel(r io.ReaderAt, size int64, closer io.Closer) Channel {
	return &channel{ReaderAt: r, size: size, closer: closer}
}

type channel struct {
	io.ReaderAt
	size   int64
	closer io.Closer
	once   sync.Once
	err    error
}

func (c *channel) Size() int64 { return c.size }

func (c *channel) Close() error {
	c.once.Do(func() {
		if c.closer != nil {
			c.err = c.closer.Close()
		}
	})
	return c.err
}

// StageChannel copies r into a buffer from pool and returns a channel over
// it. r is closed. Closing the channel releases the buffer.
func StageChannel(r io.ReadCloser, pool iopool.Pool) (Channel, error) {
	defer r.Close()
	buf, err := pool.Allocate()
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(buf, r); err != nil {
		buf.Release()
		return nil, err
	}
	return NewChannel(buf, buf.Size(), releaser{buf}), nil
}

type releaser struct {
	buf iopool.Buffer
}

func (r releaser) Close() error { return r.buf.Release() }

// BufferInput returns an input socket reading buf as the content of target.
// The caller keeps ownership of buf.
func BufferInput(target entry.Entry, buf iopool.Buffer) InputSocket {
	return &bufferInput{target: target, buf: buf}
}

type bufferInput struct {
	InputBinding
	target entry.Entry
	buf    iopool.Buffer
}

func (s *bufferInput) Target(context.Context) (entry.Entry, error) {
	return s.target, nil
}

func (s *bufferInput) Stream(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(s.buf.Reader()), nil
}

func (s *bufferInput) Channel(context.Context) (Channel, error) {
	return NewChannel(s.buf, s.buf.Size(), nil), nil
}

func (s *bufferInput) RawStream(context.Context) (io.ReadCloser, error) {
	return nil, ErrNoRawAccess
}
