package metrics

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"archfs/internal/driver"
	"archfs/internal/drivers/zipdriver"
	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/kernel"
	"archfs/internal/vpath"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatal(err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("Unexpected metric %v", &pb)
	return 0
}

func newManager(t *testing.T, m *Metrics) (*kernel.Manager, vpath.MountPoint) {
	t.Helper()
	reg := driver.NewRegistry()
	if err := reg.Register(zipdriver.New(zipdriver.WithPool(m.Pool(iopool.Memory()))), ".zip"); err != nil {
		t.Fatal(err)
	}
	mgr := kernel.NewManager(kernel.Options{
		Drivers:    reg,
		Pool:       m.Pool(iopool.Memory()),
		Decorators: []kernel.Decorator{m.Decorator()},
	})
	return mgr, vpath.Host(t.TempDir()).Nest("zip", vpath.MustNodeName("a.zip"))
}

func TestDecoratorCountsStreams(t *testing.T) {
	ctx := context.Background()
	m := New(nil)
	mgr, mp := newManager(t, m)
	h, err := mgr.Controller(mp, nil)
	if err != nil {
		t.Fatal(err)
	}

	const data = "hello, world"
	w, err := h.Output(entry.CreateParents, vpath.MustNodeName("dir/f.txt"), nil).Stream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := value(t, m.streamsOpen.WithLabelValues("zip", "out")); got != 1 {
		t.Errorf("Expected 1 open output stream, got %v", got)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if got := value(t, m.streamsOpen.WithLabelValues("zip", "out")); got != 0 {
		t.Errorf("Expected no open output stream, got %v", got)
	}
	if got := value(t, m.streamBytes.WithLabelValues("zip", "out", "decoded")); got != float64(len(data)) {
		t.Errorf("Expected %d bytes written, got %v", len(data), got)
	}

	if err := mgr.Sync(ctx, kernel.SyncDefault); err != nil {
		t.Fatal(err)
	}
	if got := value(t, m.operationsTotal.WithLabelValues("zip", kernel.OpSync, "success")); got == 0 {
		t.Error("Sync not counted")
	}

	r, err := h.Input(vpath.MustNodeName("dir/f.txt")).Stream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(r)
	r.Close()
	r.Close()
	if err != nil || string(b) != data {
		t.Fatalf("Read %q, %v", b, err)
	}
	if got := value(t, m.streamBytes.WithLabelValues("zip", "in", "decoded")); got != float64(len(data)) {
		t.Errorf("Expected %d bytes read, got %v", len(data), got)
	}
	if got := value(t, m.streamsOpen.WithLabelValues("zip", "in")); got != 0 {
		t.Errorf("Double close moved the gauge to %v", got)
	}

	if _, err := h.Node(ctx, vpath.MustNodeName("missing")); !errors.Is(err, kernel.ErrNotExist) {
		t.Fatalf("Expected ErrNotExist, got %v", err)
	}
	if got := value(t, m.operationsTotal.WithLabelValues("zip", kernel.OpNode, "not_exist")); got != 1 {
		t.Errorf("Expected 1 failed lookup, got %v", got)
	}
}

func TestPoolGauge(t *testing.T) {
	m := New(nil)
	p := m.Pool(iopool.Memory())

	b, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if got := value(t, m.buffersInUse); got != 1 {
		t.Errorf("Expected 1 buffer in use, got %v", got)
	}
	if _, err := b.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if got := value(t, m.bufferBytes); got != 3 {
		t.Errorf("Expected 3 bytes, got %v", got)
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); !errors.Is(err, iopool.ErrReleased) {
		t.Errorf("Expected ErrReleased, got %v", err)
	}
	if got := value(t, m.buffersInUse); got != 0 {
		t.Errorf("Expected no buffer in use, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.buffersInUse.Set(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		found = found || f.GetName() == "archfs_pool_buffers_in_use"
	}
	if !found {
		t.Error("Pool gauge not registered")
	}
	if m.Handler() == nil {
		t.Error("Expected a handler")
	}
	if got := kind(vpath.Host("/x")); got != vpath.HostScheme {
		t.Errorf("Expected kind %q for the host, got %q", vpath.HostScheme, got)
	}
}
