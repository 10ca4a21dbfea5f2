package socket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"archfs/internal/entry"
	"archfs/internal/iopool"
)

// rawEntry and plainEntry are distinct concrete target types.
type rawEntry struct{ *entry.Base }

type plainEntry struct{ *entry.Base }

type memInput struct {
	InputBinding
	target entry.Entry
	data   []byte
	stored []byte
	rawOK  bool
}

func (s *memInput) Target(context.Context) (entry.Entry, error) { return s.target, nil }

func (s *memInput) Stream(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *memInput) Channel(context.Context) (Channel, error) {
	return NewChannel(bytes.NewReader(s.data), int64(len(s.data)), nil), nil
}

func (s *memInput) RawStream(context.Context) (io.ReadCloser, error) {
	if !s.rawOK {
		return nil, ErrNoRawAccess
	}
	return io.NopCloser(bytes.NewReader(s.stored)), nil
}

type memOutput struct {
	OutputBinding
	target    entry.Entry
	rawOK     bool
	failAt    int
	got       []byte
	raw       bool
	aborted   bool
	committed bool
}

func (s *memOutput) Target(context.Context) (entry.Entry, error) { return s.target, nil }

func (s *memOutput) Stream(context.Context) (io.WriteCloser, error) {
	return &memWriter{out: s}, nil
}

func (s *memOutput) RawStream(ctx context.Context) (io.WriteCloser, error) {
	if !s.rawOK {
		return nil, ErrNoRawAccess
	}
	if pt, _ := s.PeerTarget(ctx); pt == nil {
		return nil, errors.New("raw stream needs a bound peer")
	}
	s.raw = true
	return &memWriter{out: s}, nil
}

type memWriter struct {
	out *memOutput
	buf bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.out.failAt > 0 && w.buf.Len()+len(p) > w.out.failAt {
		return 0, errors.New("disk full")
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.out.got = w.buf.Bytes()
	w.out.committed = true
	return nil
}

func (w *memWriter) Abort() error {
	w.out.aborted = true
	return nil
}

func TestCopyUsesRawPathForMatchingTypes(t *testing.T) {
	in := &memInput{target: rawEntry{entry.New("a", entry.File)}, data: []byte("decoded"), stored: []byte("stored"), rawOK: true}
	out := &memOutput{target: rawEntry{entry.New("b", entry.File)}, rawOK: true}

	raw, err := CopyReporting(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !raw || !out.raw {
		t.Error("expected raw copy")
	}
	if string(out.got) != "stored" {
		t.Errorf("got %q, want stored bytes", out.got)
	}
	if in.Peer() != out || out.Peer() != in {
		t.Error("Copy should connect both sockets")
	}
}

func TestCopyFallsBackForDifferentTypes(t *testing.T) {
	in := &memInput{target: rawEntry{entry.New("a", entry.File)}, data: []byte("decoded"), stored: []byte("stored"), rawOK: true}
	out := &memOutput{target: plainEntry{entry.New("b", entry.File)}, rawOK: true}

	raw, err := CopyReporting(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if raw || out.raw {
		t.Error("raw copy must not be attempted across types")
	}
	if string(out.got) != "decoded" {
		t.Errorf("got %q, want decoded bytes", out.got)
	}
}

func TestCopyFallsBackWhenRawRefused(t *testing.T) {
	in := &memInput{target: rawEntry{entry.New("a", entry.File)}, data: []byte("decoded"), rawOK: false}
	out := &memOutput{target: rawEntry{entry.New("b", entry.File)}, rawOK: true}

	if err := Copy(context.Background(), in, out); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if string(out.got) != "decoded" {
		t.Errorf("got %q", out.got)
	}
}

func TestCopyAbortsOnFailure(t *testing.T) {
	in := &memInput{target: plainEntry{entry.New("a", entry.File)}, data: bytes.Repeat([]byte("x"), 64*1024)}
	out := &memOutput{target: plainEntry{entry.New("b", entry.File)}, failAt: 10}

	if err := Copy(context.Background(), in, out); err == nil {
		t.Fatal("expected copy failure")
	}
	if !out.aborted || out.committed {
		t.Errorf("aborted=%v committed=%v, want aborted only", out.aborted, out.committed)
	}
}

func TestBindIsDirectional(t *testing.T) {
	in := &memInput{target: plainEntry{entry.New("a", entry.File)}}
	out := &memOutput{target: plainEntry{entry.New("b", entry.File)}}

	in.Bind(out)
	if out.Peer() != nil {
		t.Error("Bind must not change the peer")
	}
	pt, err := in.PeerTarget(context.Background())
	if err != nil || pt.Name() != "b" {
		t.Errorf("PeerTarget = %v, %v", pt, err)
	}
}

func TestStageChannel(t *testing.T) {
	ch, err := StageChannel(io.NopCloser(bytes.NewReader([]byte("abcdef"))), iopool.Memory())
	if err != nil {
		t.Fatalf("StageChannel failed: %v", err)
	}
	if ch.Size() != 6 {
		t.Errorf("Size = %d", ch.Size())
	}
	p := make([]byte, 3)
	if _, err := ch.ReadAt(p, 3); err != nil || string(p) != "def" {
		t.Errorf("ReadAt = %q, %v", p, err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
