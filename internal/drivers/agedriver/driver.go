// Package agedriver stores archives encrypted with age. It wraps the
// driver of the archive format: an archive named x.zip.age is a ZIP
// archive inside an age file.
package agedriver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"archfs/internal/driver"
	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/logging"
	"archfs/internal/socket"
)

var logger = logging.GetLogger().WithPrefix("age")

// Suffix is appended to the scheme and file suffixes of the wrapped driver.
const Suffix = ".age"

// Driver decrypts archives on mount and encrypts them on sync.
type Driver struct {
	inner driver.Driver
	keys  Keys
}

// rawDriver is a Driver whose wrapped driver decodes raw entry content.
// The stored bytes of entries are those of the inner archive, so they can
// be shared with unencrypted archives of the same format.
type rawDriver struct {
	*Driver
	dec driver.RawDecoder
}

func (d *rawDriver) DecodeRaw(e entry.Entry, stored io.Reader) (io.ReadCloser, error) {
	return d.dec.DecodeRaw(e, stored)
}

// New wraps inner. The result implements driver.RawDecoder if inner does.
func New(inner driver.Driver, keys Keys) driver.Driver {
	d := &Driver{inner: inner, keys: keys}
	if dec, ok := inner.(driver.RawDecoder); ok {
		return &rawDriver{Driver: d, dec: dec}
	}
	return d
}

func (d *Driver) Scheme() string { return d.inner.Scheme() + Suffix }

func (d *Driver) Pool() iopool.Pool { return d.inner.Pool() }

func (d *Driver) NewEntry(opts entry.Options, name string, typ entry.Type, template entry.Entry) (entry.Mutable, error) {
	return d.inner.NewEntry(opts, name, typ, template)
}

func (d *Driver) NewInput(ctx context.Context, model driver.Model, source socket.InputSocket) (driver.InputService, error) {
	ids, err := d.keys.Identities(model.MountPoint())
	if err != nil {
		return nil, err
	}
	r, err := source.Stream(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	dr, err := age.Decrypt(r, ids...)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", model.MountPoint(), err)
	}

	buf, err := d.inner.Pool().Allocate()
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(buf, dr); err != nil {
		buf.Release()
		return nil, fmt.Errorf("decrypt %s: %w", model.MountPoint(), err)
	}
	target, err := source.Target(ctx)
	if err != nil {
		buf.Release()
		return nil, err
	}

	in, err := d.inner.NewInput(ctx, model, socket.BufferInput(target, buf))
	if err != nil {
		buf.Release()
		return nil, err
	}
	logger.Debug("Decrypted %s (%d bytes)", model.MountPoint(), buf.Size())
	return &input{InputService: in, buf: buf}, nil
}

// input releases the decrypted archive after the wrapped input.
type input struct {
	driver.InputService
	buf iopool.Buffer
}

func (in *input) Close() error {
	return errors.Join(in.InputService.Close(), in.buf.Release())
}

func (d *Driver) NewOutput(ctx context.Context, model driver.Model, sink socket.OutputSocket, prior driver.InputService) (driver.OutputService, error) {
	recips, err := d.keys.Recipients(model.MountPoint())
	if err != nil {
		return nil, err
	}
	if p, ok := prior.(*input); ok {
		prior = p.InputService
	}
	return d.inner.NewOutput(ctx, model, &encryptingSink{OutputSocket: sink, recipients: recips}, prior)
}

// encryptingSink encrypts everything written to the wrapped sink.
type encryptingSink struct {
	socket.OutputSocket
	recipients []age.Recipient
}

func (s *encryptingSink) Stream(ctx context.Context) (io.WriteCloser, error) {
	w, err := s.OutputSocket.Stream(ctx)
	if err != nil {
		return nil, err
	}
	enc, err := age.Encrypt(w, s.recipients...)
	if err != nil {
		socket.Abort(w)
		return nil, err
	}
	return &encryptingWriter{enc: enc, w: w}, nil
}

func (s *encryptingSink) RawStream(context.Context) (io.WriteCloser, error) {
	return nil, socket.ErrNoRawAccess
}

type encryptingWriter struct {
	enc io.WriteCloser
	w   io.WriteCloser
}

func (w *encryptingWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// Close flushes the last age chunk, then commits the file.
func (w *encryptingWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		socket.Abort(w.w)
		return err
	}
	return w.w.Close()
}

func (w *encryptingWriter) Abort() error {
	return socket.Abort(w.w)
}
