package tardriver

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression applied to the whole TAR stream.
type Codec int

const (
	None Codec = iota
	Gzip
	Zstd
	LZ4
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("Codec(%d)", int(c))
}

// scheme is the mount point scheme of archives using c.
func (c Codec) scheme() string {
	switch c {
	case Gzip:
		return "tar.gz"
	case Zstd:
		return "tar.zst"
	case LZ4:
		return "tar.lz4"
	}
	return "tar"
}

// Suffixes are the file name suffixes conventionally used for c.
func (c Codec) Suffixes() []string {
	switch c {
	case Gzip:
		return []string{".tar.gz", ".tgz"}
	case Zstd:
		return []string{".tar.zst", ".tzst"}
	case LZ4:
		return []string{".tar.lz4"}
	}
	return []string{".tar"}
}

func (c Codec) reader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unknown codec %v", c)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (c Codec) writer(w io.Writer, level int) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, level)
	case Zstd:
		el := zstd.SpeedDefault
		if level > 0 {
			el = zstd.EncoderLevelFromZstd(level)
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(el))
	case LZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unknown codec %v", c)
}
