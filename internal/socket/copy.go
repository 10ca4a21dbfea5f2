package socket

import (
	"context"
	"errors"
	"io"
	"reflect"

	"archfs/internal/logging"
)

var logger = logging.GetLogger().WithPrefix("socket")

// Copy connects in and out and copies the entry content. If both targets
// are of the same concrete type and both sockets support it, the stored
// bytes are copied verbatim. Otherwise the content is decoded and
// re-encoded. On failure the output is aborted, so a partially written
// destination never becomes visible.
func Copy(ctx context.Context, in InputSocket, out OutputSocket) error {
	_, err := CopyReporting(ctx, in, out)
	return err
}

// CopyReporting is Copy, additionally reporting whether the raw path was
// taken.
func CopyReporting(ctx context.Context, in InputSocket, out OutputSocket) (raw bool, err error) {
	Connect(in, out)
	if rawEligible(ctx, in, out) {
		err := copyRaw(ctx, in, out)
		if !errors.Is(err, ErrNoRawAccess) {
			return err == nil, err
		}
		logger.Trace("Raw copy refused, falling back to stream copy")
	}

	r, err := in.Stream(ctx)
	if err != nil {
		return false, err
	}
	w, err := out.Stream(ctx)
	if err != nil {
		r.Close()
		return false, err
	}
	return false, pipe(w, r)
}

func copyRaw(ctx context.Context, in InputSocket, out OutputSocket) error {
	r, err := in.RawStream(ctx)
	if err != nil {
		return err
	}
	w, err := out.RawStream(ctx)
	if err != nil {
		r.Close()
		return err
	}
	return pipe(w, r)
}

// rawEligible checks both targets before any raw stream is opened. A raw
// copy between entries of different drivers would store bytes the
// destination cannot decode.
func rawEligible(ctx context.Context, in InputSocket, out OutputSocket) bool {
	src, err := in.Target(ctx)
	if err != nil || src == nil {
		return false
	}
	dst, err := out.Target(ctx)
	if err != nil || dst == nil {
		return false
	}
	if reflect.TypeOf(src) != reflect.TypeOf(dst) {
		return false
	}
	if rc, ok := dst.(RawCompatible); ok && !rc.RawCompatible(src) {
		return false
	}
	return true
}

func pipe(w io.WriteCloser, r io.ReadCloser) error {
	_, err := io.Copy(w, r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if aerr := Abort(w); aerr != nil {
			logger.Debug("Abort after failed copy: %v", aerr)
		}
		return err
	}
	return w.Close()
}
