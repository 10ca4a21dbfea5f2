// Package zipdriver reads and writes ZIP archives. Entries of two ZIP
// archives can be copied without recompression.
package zipdriver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"archfs/internal/driver"
	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/logging"
	"archfs/internal/socket"
)

var logger = logging.GetLogger().WithPrefix("zip")

// MethodZstd is the ZIP compression method number for Zstandard.
const MethodZstd = zstd.ZipMethodWinZip

// ErrUnsupportedMethod reports an entry compressed with an unknown method.
var ErrUnsupportedMethod = errors.New("unsupported compression method")

// Driver is the ZIP driver.
type Driver struct {
	pool   iopool.Pool
	method uint16
	level  int
}

// Option configures a Driver.
type Option func(*Driver)

// WithPool sets the pool for staging entry content.
func WithPool(p iopool.Pool) Option {
	return func(d *Driver) { d.pool = p }
}

// WithMethod sets the compression method of new entries: zip.Store,
// zip.Deflate or MethodZstd.
func WithMethod(m uint16) Option {
	return func(d *Driver) { d.method = m }
}

// WithLevel sets the deflate compression level.
func WithLevel(level int) Option {
	return func(d *Driver) { d.level = level }
}

// New returns a ZIP driver.
func New(opts ...Option) *Driver {
	d := &Driver{pool: iopool.Memory(), method: zip.Deflate, level: flate.DefaultCompression}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ driver.Driver = (*Driver)(nil)
var _ driver.RawDecoder = (*Driver)(nil)

func (d *Driver) Scheme() string { return "zip" }

func (d *Driver) Pool() iopool.Pool { return d.pool }

func (d *Driver) NewEntry(opts entry.Options, name string, typ entry.Type, template entry.Entry) (entry.Mutable, error) {
	e := &Entry{Base: entry.From(name, typ, template), Method: d.method}
	switch {
	case opts.Has(entry.Store):
		e.Method = zip.Store
	case opts.Has(entry.Compress):
		e.Method = zip.Deflate
	default:
		if t, ok := template.(*Entry); ok {
			e.Method, e.CRC32, e.Comment, e.Mode, e.raw = t.Method, t.CRC32, t.Comment, t.Mode, t.raw
		}
	}
	if !e.raw {
		e.SetSize(entry.StorageSize, entry.Unknown)
	}
	if typ == entry.Directory {
		e.Method = zip.Store
		e.SetSize(entry.DataSize, entry.Unknown)
	}
	return e, nil
}

func decompressor(method uint16) (func(io.Reader) io.ReadCloser, error) {
	switch method {
	case zip.Store:
		return io.NopCloser, nil
	case zip.Deflate:
		return flate.NewReader, nil
	case MethodZstd:
		return zstd.ZipDecompressor(), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedMethod, method)
}

// DecodeRaw decompresses the stored bytes of a ZIP entry.
func (d *Driver) DecodeRaw(e entry.Entry, stored io.Reader) (io.ReadCloser, error) {
	ze, ok := e.(*Entry)
	if !ok {
		return nil, fmt.Errorf("not a zip entry: %T", e)
	}
	dec, err := decompressor(ze.Method)
	if err != nil {
		return nil, err
	}
	return dec(stored), nil
}

func (d *Driver) NewInput(ctx context.Context, model driver.Model, source socket.InputSocket) (driver.InputService, error) {
	ch, err := source.Channel(ctx)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(ch, ch.Size())
	if err != nil {
		ch.Close()
		return nil, err
	}
	zr.RegisterDecompressor(MethodZstd, zstd.ZipDecompressor())

	in := &input{d: d, zr: zr, ch: ch, entries: make(map[string]*Entry, len(zr.File))}
	for _, f := range zr.File {
		name, typ := f.Name, entry.File
		switch {
		case strings.HasSuffix(name, "/"):
			name, typ = strings.TrimSuffix(name, "/"), entry.Directory
		case !f.Mode().IsRegular() && !f.Mode().IsDir():
			typ = entry.Special
		}
		if _, dup := in.entries[name]; dup {
			logger.Warn("Duplicate entry %q in %s", name, model.MountPoint())
			continue
		}
		e := fromFile(f, name, typ)
		in.entries[name] = e
		in.order = append(in.order, e)
	}
	logger.Debug("Read %d entries from %s", len(in.order), model.MountPoint())
	return in, nil
}

type input struct {
	d       *Driver
	zr      *zip.Reader
	ch      socket.Channel
	entries map[string]*Entry
	order   []entry.Entry
}

func (in *input) Entries() []entry.Entry {
	return append([]entry.Entry{}, in.order...)
}

func (in *input) Entry(name string) entry.Entry {
	if e, ok := in.entries[name]; ok {
		return e
	}
	return nil
}

func (in *input) Input(name string) socket.InputSocket {
	return &inputSocket{in: in, name: name}
}

func (in *input) Close() error {
	return in.ch.Close()
}

type inputSocket struct {
	socket.InputBinding
	in   *input
	name string
}

func (s *inputSocket) entry() (*Entry, error) {
	e, ok := s.in.entries[s.name]
	if !ok {
		return nil, fmt.Errorf("zip entry %q: %w", s.name, fs.ErrNotExist)
	}
	return e, nil
}

func (s *inputSocket) Target(context.Context) (entry.Entry, error) {
	return s.entry()
}

func (s *inputSocket) Stream(context.Context) (io.ReadCloser, error) {
	e, err := s.entry()
	if err != nil {
		return nil, err
	}
	return e.file.Open()
}

func (s *inputSocket) Channel(ctx context.Context) (socket.Channel, error) {
	r, err := s.Stream(ctx)
	if err != nil {
		return nil, err
	}
	return socket.StageChannel(r, s.in.d.pool)
}

func (s *inputSocket) RawStream(context.Context) (io.ReadCloser, error) {
	e, err := s.entry()
	if err != nil {
		return nil, err
	}
	if e.Type() == entry.Directory {
		return nil, socket.ErrNoRawAccess
	}
	r, err := e.file.OpenRaw()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

func (d *Driver) NewOutput(ctx context.Context, model driver.Model, sink socket.OutputSocket, prior driver.InputService) (driver.OutputService, error) {
	w, err := sink.Stream(ctx)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(w)
	zw := zip.NewWriter(bw)
	zw.RegisterCompressor(MethodZstd, zstd.ZipCompressor())
	level := d.level
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	if p, ok := prior.(*input); ok && p.zr.Comment != "" {
		if err := zw.SetComment(p.zr.Comment); err != nil {
			logger.Warn("Cannot carry over comment of %s: %v", model.MountPoint(), err)
		}
	}
	return &output{d: d, zw: zw, bw: bw, sink: w, entries: make(map[string]entry.Entry)}, nil
}

type output struct {
	d       *Driver
	zw      *zip.Writer
	bw      *bufio.Writer
	sink    io.WriteCloser
	entries map[string]entry.Entry
	order   []entry.Entry
	done    bool
}

func (out *output) Entries() []entry.Entry {
	return append([]entry.Entry{}, out.order...)
}

func (out *output) Entry(name string) entry.Entry {
	return out.entries[name]
}

func (out *output) Output(e entry.Entry) socket.OutputSocket {
	return &outputSocket{out: out, target: e}
}

func (out *output) add(e entry.Entry) {
	if _, ok := out.entries[e.Name()]; !ok {
		out.order = append(out.order, e)
	}
	out.entries[e.Name()] = e
}

func (out *output) Close() error {
	if out.done {
		return nil
	}
	out.done = true
	err := out.zw.Close()
	if err == nil {
		err = out.bw.Flush()
	}
	if err != nil {
		socket.Abort(out.sink)
		return err
	}
	return out.sink.Close()
}

func (out *output) Abort() error {
	if out.done {
		return nil
	}
	out.done = true
	return socket.Abort(out.sink)
}

type outputSocket struct {
	socket.OutputBinding
	out    *output
	target entry.Entry
}

func (s *outputSocket) Target(context.Context) (entry.Entry, error) {
	return s.target, nil
}

// zipEntry converts the target to a ZIP entry, keeping generic attributes
// of foreign entries.
func (s *outputSocket) zipEntry() *Entry {
	if e, ok := s.target.(*Entry); ok {
		return e
	}
	ne, _ := s.out.d.NewEntry(entry.NoOptions, s.target.Name(), s.target.Type(), s.target)
	return ne.(*Entry)
}

func (s *outputSocket) Stream(context.Context) (io.WriteCloser, error) {
	e := s.zipEntry()
	w, err := s.out.zw.CreateHeader(e.header())
	if err != nil {
		return nil, err
	}
	s.out.add(e)
	return &entryWriter{w: w, e: e}, nil
}

func (s *outputSocket) RawStream(ctx context.Context) (io.WriteCloser, error) {
	pt, err := s.PeerTarget(ctx)
	if err != nil {
		return nil, err
	}
	src, ok := pt.(*Entry)
	if !ok || !src.raw || src.Size(entry.StorageSize) < 0 {
		return nil, socket.ErrNoRawAccess
	}
	e := s.zipEntry()
	w, err := s.out.zw.CreateRaw(e.rawHeader(src))
	if err != nil {
		return nil, err
	}
	s.out.add(e)
	return &entryWriter{w: w, e: e, raw: true}, nil
}

// entryWriter ends with the next entry or the archive; Close only records
// the size.
type entryWriter struct {
	w   io.Writer
	e   *Entry
	n   int64
	raw bool
}

func (w *entryWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *entryWriter) Close() error {
	if w.e.Type() == entry.File && !w.raw {
		w.e.SetSize(entry.DataSize, w.n)
	}
	return nil
}
