package zipdriver

import (
	"io/fs"

	"github.com/klauspost/compress/zip"

	"archfs/internal/entry"
)

// Entry is a ZIP entry. Besides the generic attributes it carries what is
// needed to copy the stored bytes verbatim.
type Entry struct {
	*entry.Base
	Method  uint16
	CRC32   uint32
	Comment string
	Mode    fs.FileMode

	// raw is set when Method, CRC32 and the sizes describe stored bytes
	// that exist, either in an archive or in a staged raw copy.
	raw  bool
	file *zip.File
}

// RawCompatible reports whether the stored bytes of src can become the
// stored bytes of e.
func (e *Entry) RawCompatible(src entry.Entry) bool {
	s, ok := src.(*Entry)
	return ok && s.raw && s.Method == e.Method && s.CRC32 == e.CRC32 &&
		s.Size(entry.StorageSize) >= 0 && s.Size(entry.StorageSize) == e.Size(entry.StorageSize)
}

func (e *Entry) mode() fs.FileMode {
	if e.Mode != 0 {
		return e.Mode
	}
	if e.Type() == entry.Directory {
		return fs.ModeDir | 0755
	}
	return 0644
}

func fromFile(f *zip.File, name string, typ entry.Type) *Entry {
	e := &Entry{
		Base:    entry.New(name, typ),
		Method:  f.Method,
		CRC32:   f.CRC32,
		Comment: f.Comment,
		Mode:    f.Mode(),
		raw:     typ != entry.Directory,
		file:    f,
	}
	if typ != entry.Directory {
		e.SetSize(entry.DataSize, int64(f.UncompressedSize64))
		e.SetSize(entry.StorageSize, int64(f.CompressedSize64))
	}
	if !f.Modified.IsZero() {
		e.SetTime(entry.WriteAccess, f.Modified)
	}
	return e
}

// header builds the local header for writing e.
func (e *Entry) header() *zip.FileHeader {
	name := e.Name()
	if e.Type() == entry.Directory {
		name += "/"
	}
	fh := &zip.FileHeader{
		Name:    name,
		Method:  e.Method,
		Comment: e.Comment,
	}
	if t := e.Time(entry.WriteAccess); !t.IsZero() {
		fh.Modified = t
	}
	fh.SetMode(e.mode())
	if e.Type() == entry.Directory {
		fh.Method = zip.Store
	}
	return fh
}

// rawHeader is header with the fields describing the stored bytes of src.
func (e *Entry) rawHeader(src *Entry) *zip.FileHeader {
	fh := e.header()
	fh.Method = src.Method
	fh.CRC32 = src.CRC32
	fh.CompressedSize64 = uint64(src.Size(entry.StorageSize))
	fh.UncompressedSize64 = uint64(src.Size(entry.DataSize))
	return fh
}
