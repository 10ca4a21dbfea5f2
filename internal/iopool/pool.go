// Package iopool provides pooled I/O buffers used to stage entry content.
//
// A Buffer is owned by whoever allocated it and must be released exactly
// once. Releasing twice returns ErrReleased; using a released buffer fails
// the same way.
package iopool

import (
	"errors"
	"io"
	"os"
	"sync"

	"archfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("iopool")

	// ErrReleased reports use of a buffer after Release.
	ErrReleased = errors.New("buffer already released")
)

// Buffer is a growable byte store with random read access.
type Buffer interface {
	io.Writer
	io.ReaderAt
	// Size is the number of bytes written so far.
	Size() int64
	// Reader returns a reader over the current content.
	Reader() io.Reader
	// Release returns the buffer's storage to the pool.
	Release() error
}

// Pool allocates buffers.
type Pool interface {
	Allocate() (Buffer, error)
}

// Memory returns a pool of heap-backed buffers.
func Memory() Pool {
	return memoryPool{}
}

type memoryPool struct{}

func (memoryPool) Allocate() (Buffer, error) {
	return &memoryBuffer{}, nil
}

type memoryBuffer struct {
	mu       sync.RWMutex
	data     []byte
	released bool
}

func (b *memoryBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return 0, ErrReleased
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *memoryBuffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return 0, ErrReleased
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *memoryBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *memoryBuffer) Reader() io.Reader {
	return io.NewSectionReader(b, 0, b.Size())
}

func (b *memoryBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrReleased
	}
	b.released = true
	b.data = nil
	return nil
}

// TempFile returns a pool of buffers backed by temporary files in dir, or the
// default temporary directory if dir is empty.
func TempFile(dir string) Pool {
	return tempFilePool{dir: dir}
}

type tempFilePool struct {
	dir string
}

func (p tempFilePool) Allocate() (Buffer, error) {
	f, err := os.CreateTemp(p.dir, "archfs-*.tmp")
	if err != nil {
		return nil, err
	}
	logger.Trace("Allocated temp buffer %q", f.Name())
	return &fileBuffer{file: f}, nil
}

type fileBuffer struct {
	mu       sync.RWMutex
	file     *os.File
	size     int64
	released bool
}

func (b *fileBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return 0, ErrReleased
	}
	n, err := b.file.WriteAt(p, b.size)
	b.size += int64(n)
	return n, err
}

func (b *fileBuffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return 0, ErrReleased
	}
	if off >= b.size {
		return 0, io.EOF
	}
	if remain := b.size - off; int64(len(p)) > remain {
		n, err := b.file.ReadAt(p[:remain], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return b.file.ReadAt(p, off)
}

func (b *fileBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *fileBuffer) Reader() io.Reader {
	return io.NewSectionReader(b, 0, b.Size())
}

func (b *fileBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrReleased
	}
	b.released = true
	name := b.file.Name()
	closeErr := b.file.Close()
	if err := os.Remove(name); err != nil {
		logger.Warn("Failed to remove temp buffer %q: %v", name, err)
		return err
	}
	return closeErr
}
