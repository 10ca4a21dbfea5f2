package kernel

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"archfs/internal/driver"
	"archfs/internal/drivers/zipdriver"
	"archfs/internal/entry"
	"archfs/internal/socket"
)

// exclusiveUse counts calls into an input service that overlap.
type exclusiveUse struct {
	active   atomic.Int32
	overlaps atomic.Int32
}

func (u *exclusiveUse) enter() func() {
	if u.active.Add(1) > 1 {
		u.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
	return func() { u.active.Add(-1) }
}

// exclusiveDriver is a zip driver whose input services record overlapping
// calls.
type exclusiveDriver struct {
	driver.Driver
	use *exclusiveUse
}

func (d *exclusiveDriver) Scheme() string { return "xzip" }

func (d *exclusiveDriver) NewInput(ctx context.Context, model driver.Model, source socket.InputSocket) (driver.InputService, error) {
	in, err := d.Driver.NewInput(ctx, model, source)
	if err != nil {
		return nil, err
	}
	return &exclusiveInput{InputService: in, use: d.use}, nil
}

type exclusiveInput struct {
	driver.InputService
	use *exclusiveUse
}

func (in *exclusiveInput) Entries() []entry.Entry {
	defer in.use.enter()()
	return in.InputService.Entries()
}

func (in *exclusiveInput) Entry(name string) entry.Entry {
	defer in.use.enter()()
	return in.InputService.Entry(name)
}

func (in *exclusiveInput) Input(name string) socket.InputSocket {
	defer in.use.enter()()
	return &exclusiveSocket{InputSocket: in.InputService.Input(name), use: in.use}
}

type exclusiveSocket struct {
	socket.InputSocket
	use *exclusiveUse
}

func (s *exclusiveSocket) Target(ctx context.Context) (entry.Entry, error) {
	defer s.use.enter()()
	return s.InputSocket.Target(ctx)
}

func (s *exclusiveSocket) Stream(ctx context.Context) (io.ReadCloser, error) {
	defer s.use.enter()()
	return s.InputSocket.Stream(ctx)
}

func (s *exclusiveSocket) Channel(ctx context.Context) (socket.Channel, error) {
	defer s.use.enter()()
	return s.InputSocket.Channel(ctx)
}

func (s *exclusiveSocket) RawStream(ctx context.Context) (io.ReadCloser, error) {
	defer s.use.enter()()
	return s.InputSocket.RawStream(ctx)
}

func TestInputServiceCallsAreSerialized(t *testing.T) {
	f := newFixture(t)
	use := &exclusiveUse{}
	if err := f.mgr.Drivers().Register(&exclusiveDriver{Driver: zipdriver.New(), use: use}, ".xzip"); err != nil {
		t.Fatal(err)
	}

	const files = 8
	h := f.handle("a.xzip")
	for i := 0; i < files; i++ {
		f.write(h, fmt.Sprintf("f%d", i), fmt.Sprintf("content %d", i))
	}
	f.sync(SyncDefault)

	var g errgroup.Group
	for i := 0; i < files; i++ {
		n := fmt.Sprintf("f%d", i)
		want := fmt.Sprintf("content %d", i)
		g.Go(func() error {
			for j := 0; j < 4; j++ {
				in := h.Input(name(n))
				ch, err := in.Channel(f.ctx)
				if err != nil {
					return err
				}
				ch.Close()
				r, err := in.Stream(f.ctx)
				if err != nil {
					return err
				}
				b, err := io.ReadAll(r)
				r.Close()
				if err != nil {
					return err
				}
				if string(b) != want {
					return fmt.Errorf("%s: got %q, want %q", n, b, want)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent reads failed: %v", err)
	}
	if n := use.overlaps.Load(); n > 0 {
		t.Errorf("Input service was entered concurrently %d times", n)
	}
}
