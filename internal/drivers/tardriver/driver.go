// Package tardriver reads and writes TAR archives, optionally compressed
// as a whole with gzip, zstd or lz4.
//
// A TAR stream has no index, so the input stages the content of every
// file into pool buffers when the archive is mounted. Stored bytes are
// never shared with other archives: a compressed TAR has no per-entry
// stored representation.
package tardriver

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"archfs/internal/driver"
	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/logging"
	"archfs/internal/socket"
)

var logger = logging.GetLogger().WithPrefix("tar")

// Entry is a TAR entry.
type Entry struct {
	*entry.Base
	Mode     int64
	Uid, Gid int
	Uname    string
	Gname    string
	Linkname string
	Typeflag byte
}

func fromHeader(h *tar.Header, name string, typ entry.Type) *Entry {
	e := &Entry{
		Base:     entry.New(name, typ),
		Mode:     h.Mode,
		Uid:      h.Uid,
		Gid:      h.Gid,
		Uname:    h.Uname,
		Gname:    h.Gname,
		Linkname: h.Linkname,
		Typeflag: h.Typeflag,
	}
	if typ == entry.File {
		e.SetSize(entry.DataSize, h.Size)
	}
	setTime(e, entry.WriteAccess, h.ModTime)
	setTime(e, entry.ReadAccess, h.AccessTime)
	return e
}

func setTime(e entry.Mutable, a entry.Access, t time.Time) {
	if !t.IsZero() {
		e.SetTime(a, t)
	}
}

func (e *Entry) header(size int64) *tar.Header {
	h := &tar.Header{
		Name:       e.Name(),
		Mode:       e.Mode,
		Uid:        e.Uid,
		Gid:        e.Gid,
		Uname:      e.Uname,
		Gname:      e.Gname,
		Linkname:   e.Linkname,
		Typeflag:   e.Typeflag,
		ModTime:    e.Time(entry.WriteAccess),
		AccessTime: e.Time(entry.ReadAccess),
		Format:     tar.FormatPAX,
	}
	switch e.Type() {
	case entry.Directory:
		h.Name += "/"
		h.Typeflag = tar.TypeDir
		if h.Mode == 0 {
			h.Mode = 0755
		}
	case entry.File:
		h.Typeflag = tar.TypeReg
		h.Size = size
		if h.Mode == 0 {
			h.Mode = 0644
		}
	}
	if h.ModTime.IsZero() {
		h.ModTime = time.Now()
	}
	return h
}

// Driver is a TAR driver for one codec.
type Driver struct {
	codec Codec
	level int
	pool  iopool.Pool
}

// Option configures a Driver.
type Option func(*Driver)

// WithPool sets the pool staging entry content.
func WithPool(p iopool.Pool) Option {
	return func(d *Driver) { d.pool = p }
}

// WithLevel sets the compression level of the codec.
func WithLevel(level int) Option {
	return func(d *Driver) { d.level = level }
}

// New returns a driver for TAR archives compressed with codec.
func New(codec Codec, opts ...Option) *Driver {
	d := &Driver{codec: codec, level: -1, pool: iopool.Memory()}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) Scheme() string { return d.codec.scheme() }

// Codec returns the compression of the archives.
func (d *Driver) Codec() Codec { return d.codec }

func (d *Driver) Pool() iopool.Pool { return d.pool }

func (d *Driver) NewEntry(opts entry.Options, name string, typ entry.Type, template entry.Entry) (entry.Mutable, error) {
	e := &Entry{Base: entry.From(name, typ, template)}
	if t, ok := template.(*Entry); ok && t.Type() == typ {
		e.Mode, e.Uid, e.Gid = t.Mode, t.Uid, t.Gid
		e.Uname, e.Gname = t.Uname, t.Gname
		e.Linkname, e.Typeflag = t.Linkname, t.Typeflag
	}
	e.SetSize(entry.StorageSize, entry.Unknown)
	if typ != entry.File {
		e.SetSize(entry.DataSize, entry.Unknown)
	}
	return e, nil
}

// cleanName turns a TAR path into an entry name. It reports false for
// names that escape the archive.
func cleanName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimSuffix(name, "/")
	if name == "" || name == "." {
		return "", false
	}
	if path.IsAbs(name) || !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

func (d *Driver) NewInput(ctx context.Context, model driver.Model, source socket.InputSocket) (driver.InputService, error) {
	r, err := source.Stream(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	dr, err := d.codec.reader(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	in := &input{entries: make(map[string]*Entry), content: make(map[string]iopool.Buffer)}
	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			in.Close()
			return nil, err
		}
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			in.Close()
			return nil, err
		}
		name, ok := cleanName(h.Name)
		if !ok {
			logger.Warn("Ignoring entry %q in %s", h.Name, model.MountPoint())
			continue
		}
		var typ entry.Type
		switch h.Typeflag {
		case tar.TypeReg:
			typ = entry.File
		case tar.TypeDir:
			typ = entry.Directory
		case tar.TypeXGlobalHeader:
			continue
		default:
			typ = entry.Special
		}
		if _, dup := in.entries[name]; dup {
			// Later entries replace earlier ones, as they do when extracting.
			logger.Debug("Entry %q of %s is replaced by a later one", name, model.MountPoint())
			in.remove(name)
		}
		e := fromHeader(h, name, typ)
		if typ == entry.File {
			buf, err := d.pool.Allocate()
			if err != nil {
				in.Close()
				return nil, err
			}
			if _, err := io.Copy(buf, tr); err != nil {
				buf.Release()
				in.Close()
				return nil, err
			}
			in.content[name] = buf
		}
		in.entries[name] = e
		in.order = append(in.order, name)
	}
	if len(in.order) == 0 && d.codec == None && !looksLikeTar(ctx, source) {
		return nil, fmt.Errorf("not a tar archive")
	}
	logger.Debug("Read %d entries from %s", len(in.entries), model.MountPoint())
	return in, nil
}

// looksLikeTar distinguishes an empty archive from arbitrary data, which the
// TAR reader may accept as an empty stream.
func looksLikeTar(ctx context.Context, source socket.InputSocket) bool {
	r, err := source.Stream(ctx)
	if err != nil {
		return false
	}
	defer r.Close()
	var block [1024]byte
	n, _ := io.ReadFull(r, block[:])
	if n < len(block) {
		return false
	}
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

type input struct {
	entries map[string]*Entry
	content map[string]iopool.Buffer
	order   []string
}

func (in *input) remove(name string) {
	delete(in.entries, name)
	if buf, ok := in.content[name]; ok {
		buf.Release()
		delete(in.content, name)
	}
	for i, n := range in.order {
		if n == name {
			in.order = append(in.order[:i], in.order[i+1:]...)
			break
		}
	}
}

func (in *input) Entries() []entry.Entry {
	out := make([]entry.Entry, 0, len(in.order))
	for _, name := range in.order {
		out = append(out, in.entries[name])
	}
	return out
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
	var err error
	for name, buf := range in.content {
		err = errors.Join(err, buf.Release())
		delete(in.content, name)
	}
	return err
}

type inputSocket struct {
	socket.InputBinding
	in   *input
	name string
}

func (s *inputSocket) Target(context.Context) (entry.Entry, error) {
	e, ok := s.in.entries[s.name]
	if !ok {
		return nil, fmt.Errorf("tar entry %q: %w", s.name, fs.ErrNotExist)
	}
	return e, nil
}

func (s *inputSocket) buffer() (iopool.Buffer, error) {
	e, ok := s.in.entries[s.name]
	if !ok {
		return nil, fmt.Errorf("tar entry %q: %w", s.name, fs.ErrNotExist)
	}
	return s.in.content[e.Name()], nil
}

func (s *inputSocket) Stream(context.Context) (io.ReadCloser, error) {
	buf, err := s.buffer()
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return io.NopCloser(buf.Reader()), nil
}

func (s *inputSocket) Channel(context.Context) (socket.Channel, error) {
	buf, err := s.buffer()
	if err != nil {
		return nil, err
	}
	if buf == nil {
		return socket.NewChannel(strings.NewReader(""), 0, nil), nil
	}
	return socket.NewChannel(buf, buf.Size(), nil), nil
}

func (s *inputSocket) RawStream(context.Context) (io.ReadCloser, error) {
	return nil, socket.ErrNoRawAccess
}

func (d *Driver) NewOutput(ctx context.Context, model driver.Model, sink socket.OutputSocket, _ driver.InputService) (driver.OutputService, error) {
	w, err := sink.Stream(ctx)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(w)
	cw, err := d.codec.writer(bw, d.level)
	if err != nil {
		socket.Abort(w)
		return nil, err
	}
	return &output{
		d:       d,
		sink:    w,
		bw:      bw,
		cw:      cw,
		tw:      tar.NewWriter(cw),
		entries: make(map[string]entry.Entry),
	}, nil
}

type output struct {
	d       *Driver
	sink    io.WriteCloser
	bw      *bufio.Writer
	cw      io.WriteCloser
	tw      *tar.Writer
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

func (out *output) tarEntry(e entry.Entry) *Entry {
	if te, ok := e.(*Entry); ok {
		return te
	}
	ne, _ := out.d.NewEntry(entry.NoOptions, e.Name(), e.Type(), e)
	return ne.(*Entry)
}

// write adds one entry. The header carries the size, so file content is
// staged until the entry writer is closed.
func (out *output) write(e *Entry, content iopool.Buffer) error {
	var size int64
	if content != nil {
		size = content.Size()
	}
	if err := out.tw.WriteHeader(e.header(size)); err != nil {
		return err
	}
	if content != nil {
		if _, err := io.Copy(out.tw, content.Reader()); err != nil {
			return err
		}
	}
	if _, ok := out.entries[e.Name()]; !ok {
		out.order = append(out.order, e)
	}
	out.entries[e.Name()] = e
	return nil
}

func (out *output) Close() error {
	if out.done {
		return nil
	}
	out.done = true
	err := out.tw.Close()
	if err == nil {
		err = out.cw.Close()
	}
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
	out.cw.Close()
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

func (s *outputSocket) Stream(context.Context) (io.WriteCloser, error) {
	e := s.out.tarEntry(s.target)
	if e.Type() != entry.File {
		return &entryWriter{out: s.out, e: e}, nil
	}
	buf, err := s.out.d.pool.Allocate()
	if err != nil {
		return nil, err
	}
	return &entryWriter{out: s.out, e: e, buf: buf}, nil
}

func (s *outputSocket) RawStream(context.Context) (io.WriteCloser, error) {
	return nil, socket.ErrNoRawAccess
}

type entryWriter struct {
	out  *output
	e    *Entry
	buf  iopool.Buffer
	done bool
}

func (w *entryWriter) Write(p []byte) (int, error) {
	if w.buf == nil {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("%v entry %q has no content", w.e.Type(), w.e.Name())
	}
	return w.buf.Write(p)
}

func (w *entryWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.out.write(w.e, w.buf)
	if w.buf != nil {
		w.e.SetSize(entry.DataSize, w.buf.Size())
		w.buf.Release()
	}
	return err
}

func (w *entryWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.buf != nil {
		return w.buf.Release()
	}
	return nil
}
