// Package metrics provides Prometheus instrumentation for the federation:
// a controller decorator counting operations and stream bytes, and a pool
// wrapper tracking staged buffers.
package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"archfs/internal/entry"
	"archfs/internal/iopool"
	"archfs/internal/kernel"
	"archfs/internal/socket"
	"archfs/internal/vpath"
)

// Metrics holds the collectors of one federation.
type Metrics struct {
	gatherer prometheus.Gatherer

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	streamBytes       *prometheus.CounterVec
	streamsOpen       *prometheus.GaugeVec
	syncFailures      *prometheus.CounterVec
	buffersInUse      prometheus.Gauge
	bufferBytes       prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses a private
// registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archfs_operations_total",
				Help: "Total number of controller operations",
			},
			[]string{"kind", "operation", "status"},
		),

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archfs_operation_duration_seconds",
				Help:    "Controller operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "operation"},
		),

		streamBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archfs_stream_bytes_total",
				Help: "Total bytes moved through entry streams",
			},
			[]string{"kind", "direction", "mode"},
		),

		streamsOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archfs_streams_open",
				Help: "Number of open entry streams",
			},
			[]string{"kind", "direction"},
		),

		syncFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archfs_sync_failures_total",
				Help: "Total number of failed or busy syncs",
			},
			[]string{"kind", "reason"},
		),

		buffersInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "archfs_pool_buffers_in_use",
				Help: "Number of allocated staging buffers",
			},
		),

		bufferBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "archfs_pool_bytes_written_total",
				Help: "Total bytes written to staging buffers",
			},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// kind labels a mount point by its driver scheme.
func kind(mp vpath.MountPoint) string {
	return mp.Scheme()
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, kernel.ErrNotExist):
		return "not_exist"
	case errors.Is(err, kernel.ErrBusy):
		return "busy"
	}
	return "error"
}

// Decorator returns a kernel decorator recording every operation of the
// controllers it wraps.
func (m *Metrics) Decorator() kernel.Decorator {
	return func(next kernel.Controller) kernel.Controller {
		return &controller{next: next, m: m, kind: kind(next.Model().MountPoint())}
	}
}

type controller struct {
	next kernel.Controller
	m    *Metrics
	kind string
}

func (c *controller) observe(op string, start time.Time, err error) {
	c.m.operationsTotal.WithLabelValues(c.kind, op, status(err)).Inc()
	c.m.operationDuration.WithLabelValues(c.kind, op).Observe(time.Since(start).Seconds())
}

func (c *controller) Model() *kernel.Model { return c.next.Model() }

func (c *controller) Parent() kernel.Controller { return c.next.Parent() }

func (c *controller) Node(ctx context.Context, name vpath.NodeName) (*kernel.Node, error) {
	start := time.Now()
	n, err := c.next.Node(ctx, name)
	c.observe(kernel.OpNode, start, err)
	return n, err
}

func (c *controller) CheckAccess(ctx context.Context, name vpath.NodeName, accesses ...entry.Access) error {
	start := time.Now()
	err := c.next.CheckAccess(ctx, name, accesses...)
	c.observe(kernel.OpCheckAccess, start, err)
	return err
}

func (c *controller) SetReadOnly(ctx context.Context, name vpath.NodeName) error {
	start := time.Now()
	err := c.next.SetReadOnly(ctx, name)
	c.observe(kernel.OpSetReadOnly, start, err)
	return err
}

func (c *controller) SetTime(ctx context.Context, name vpath.NodeName, accesses []entry.Access, t time.Time) error {
	start := time.Now()
	err := c.next.SetTime(ctx, name, accesses, t)
	c.observe(kernel.OpSetTime, start, err)
	return err
}

func (c *controller) Make(ctx context.Context, opts entry.Options, name vpath.NodeName, typ entry.Type, template entry.Entry) error {
	start := time.Now()
	err := c.next.Make(ctx, opts, name, typ, template)
	c.observe(kernel.OpMake, start, err)
	return err
}

func (c *controller) Unlink(ctx context.Context, opts entry.Options, name vpath.NodeName) error {
	start := time.Now()
	err := c.next.Unlink(ctx, opts, name)
	c.observe(kernel.OpUnlink, start, err)
	return err
}

func (c *controller) Sync(ctx context.Context, opts kernel.SyncOptions) error {
	start := time.Now()
	err := c.next.Sync(ctx, opts)
	c.observe(kernel.OpSync, start, err)
	if err != nil {
		reason := "failed"
		switch {
		case errors.Is(err, kernel.ErrBusy):
			reason = "busy"
		case kernel.IsSyncWarning(err):
			reason = "warning"
		}
		c.m.syncFailures.WithLabelValues(c.kind, reason).Inc()
	}
	return err
}

func (c *controller) Input(name vpath.NodeName) socket.InputSocket {
	return &inputSocket{InputSocket: c.next.Input(name), c: c}
}

func (c *controller) Output(opts entry.Options, name vpath.NodeName, template entry.Entry) socket.OutputSocket {
	return &outputSocket{OutputSocket: c.next.Output(opts, name, template), c: c}
}

type inputSocket struct {
	socket.InputSocket
	c *controller
}

func (s *inputSocket) Stream(ctx context.Context) (io.ReadCloser, error) {
	start := time.Now()
	r, err := s.InputSocket.Stream(ctx)
	s.c.observe(kernel.OpInput, start, err)
	if err != nil {
		return nil, err
	}
	return s.c.m.reader(r, s.c.kind, "decoded"), nil
}

func (s *inputSocket) RawStream(ctx context.Context) (io.ReadCloser, error) {
	r, err := s.InputSocket.RawStream(ctx)
	if err != nil {
		return nil, err
	}
	return s.c.m.reader(r, s.c.kind, "raw"), nil
}

func (s *inputSocket) Channel(ctx context.Context) (socket.Channel, error) {
	start := time.Now()
	ch, err := s.InputSocket.Channel(ctx)
	s.c.observe(kernel.OpInput, start, err)
	if err != nil {
		return nil, err
	}
	open := s.c.m.streamsOpen.WithLabelValues(s.c.kind, "in")
	open.Inc()
	return &channel{Channel: ch, open: gauge{open: open}, bytes: s.c.m.streamBytes.WithLabelValues(s.c.kind, "in", "decoded")}, nil
}

type outputSocket struct {
	socket.OutputSocket
	c *controller
}

func (s *outputSocket) Stream(ctx context.Context) (io.WriteCloser, error) {
	start := time.Now()
	w, err := s.OutputSocket.Stream(ctx)
	s.c.observe(kernel.OpOutput, start, err)
	if err != nil {
		return nil, err
	}
	return s.c.m.writer(w, s.c.kind, "decoded"), nil
}

func (s *outputSocket) RawStream(ctx context.Context) (io.WriteCloser, error) {
	w, err := s.OutputSocket.RawStream(ctx)
	if err != nil {
		return nil, err
	}
	return s.c.m.writer(w, s.c.kind, "raw"), nil
}

func (m *Metrics) reader(r io.ReadCloser, kind, mode string) io.ReadCloser {
	open := m.streamsOpen.WithLabelValues(kind, "in")
	open.Inc()
	return &reader{ReadCloser: r, open: gauge{open: open}, bytes: m.streamBytes.WithLabelValues(kind, "in", mode)}
}

func (m *Metrics) writer(w io.WriteCloser, kind, mode string) io.WriteCloser {
	open := m.streamsOpen.WithLabelValues(kind, "out")
	open.Inc()
	return &writer{WriteCloser: w, open: gauge{open: open}, bytes: m.streamBytes.WithLabelValues(kind, "out", mode)}
}

// gauge decrements an open stream gauge on the first close only.
type gauge struct {
	open   prometheus.Gauge
	closed atomic.Bool
}

func (g *gauge) done() {
	if !g.closed.Swap(true) {
		g.open.Dec()
	}
}

type reader struct {
	io.ReadCloser
	open  gauge
	bytes prometheus.Counter
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.bytes.Add(float64(n))
	return n, err
}

func (r *reader) Close() error {
	r.open.done()
	return r.ReadCloser.Close()
}

type writer struct {
	io.WriteCloser
	open  gauge
	bytes prometheus.Counter
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	w.bytes.Add(float64(n))
	return n, err
}

func (w *writer) Close() error {
	w.open.done()
	return w.WriteCloser.Close()
}

// Abort keeps the wrapped writer abortable.
func (w *writer) Abort() error {
	w.open.done()
	return socket.Abort(w.WriteCloser)
}

type channel struct {
	socket.Channel
	open  gauge
	bytes prometheus.Counter
}

func (c *channel) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.Channel.ReadAt(p, off)
	c.bytes.Add(float64(n))
	return n, err
}

func (c *channel) Close() error {
	c.open.done()
	return c.Channel.Close()
}

// Pool wraps p so its buffers are counted.
func (m *Metrics) Pool(p iopool.Pool) iopool.Pool {
	return &pool{Pool: p, m: m}
}

type pool struct {
	iopool.Pool
	m *Metrics
}

func (p *pool) Allocate() (iopool.Buffer, error) {
	b, err := p.Pool.Allocate()
	if err != nil {
		return nil, err
	}
	p.m.buffersInUse.Inc()
	return &buffer{Buffer: b, m: p.m}, nil
}

type buffer struct {
	iopool.Buffer
	m        *Metrics
	released atomic.Bool
}

func (b *buffer) Write(p []byte) (int, error) {
	n, err := b.Buffer.Write(p)
	b.m.bufferBytes.Add(float64(n))
	return n, err
}

func (b *buffer) Release() error {
	err := b.Buffer.Release()
	if err == nil && !b.released.Swap(true) {
		b.m.buffersInUse.Dec()
	}
	return err
}
