package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"archfs/internal/config"
	"archfs/internal/fs"
	"archfs/internal/kernel"
	"archfs/internal/logging"
	"archfs/internal/metrics"
	"archfs/internal/storage"
	"archfs/internal/vfs"
)

var (
	logger = logging.GetLogger()
)

// shutdownTimeout bounds the final sync after unmounting.
const shutdownTimeout = 2 * time.Minute

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("%v", err)
		_ = logging.Sync()
		os.Exit(1)
	}
}

// options are the command line flags. Set flags override the config file.
type options struct {
	configPath string
	mountPoint string
	root       string
	logLevel   string
	verbose    bool
	allowOther bool
	interval   time.Duration
	metrics    string
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var o options
	flagSet := pflag.NewFlagSet("archfs", pflag.ContinueOnError)
	flagSet.StringVarP(&o.configPath, "config", "c", "", "configuration file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&o.mountPoint, "mount", "", "mount point for the federated filesystem")
	flagSet.StringVar(&o.root, "source", "", "host directory whose archives are exposed")
	flagSet.StringVar(&o.logLevel, "log-level", "", "log level: error, warn, info, debug or trace")
	flagSet.BoolVarP(&o.verbose, "verbose", "v", false, "enable verbose logging")
	flagSet.BoolVar(&o.allowOther, "allow-other", false, "allow other users to access the mount")
	flagSet.DurationVar(&o.interval, "sync-interval", 0, "interval between syncs of modified archives")
	flagSet.StringVar(&o.metrics, "metrics", "", "address serving Prometheus metrics, e.g. :9090")
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &o, flagSet, nil
}

// apply copies the flags that were set into cfg.
func (o *options) apply(cfg *config.Config, flagSet *pflag.FlagSet) {
	if flagSet.Changed("mount") {
		cfg.MountPoint = o.mountPoint
	}
	if flagSet.Changed("source") {
		cfg.Root = o.root
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if flagSet.Changed("allow-other") {
		cfg.AllowOther = o.allowOther
	}
	if flagSet.Changed("sync-interval") {
		cfg.Sync.Interval = o.interval
	}
	if flagSet.Changed("metrics") {
		cfg.Metrics.Listen = o.metrics
	}
}

func loadConfig(args []string) (*config.Config, error) {
	o, flagSet, err := parseFlags(args)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	o.apply(cfg, flagSet)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Root = filepath.Clean(cfg.Root)
	cfg.MountPoint = filepath.Clean(cfg.MountPoint)
	return cfg, nil
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if err := logging.Configure(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	}); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	defer logging.Sync()

	logger.Info("Starting archfs...")
	logger.Debug("Mount point: %s", cfg.MountPoint)
	logger.Debug("Source path: %s", cfg.Root)

	m := metrics.New(nil)
	pool := m.Pool(newPool(cfg.Pool))
	reg, err := newRegistry(cfg, pool)
	if err != nil {
		return err
	}
	mgr := kernel.NewManager(kernel.Options{
		Drivers:    reg,
		Store:      storage.New(storage.Options{BackupCount: cfg.Backup.Count, BackupDir: cfg.Backup.Dir}),
		Pool:       pool,
		Decorators: []kernel.Decorator{m.Decorator()},
	})
	v := vfs.New(mgr, cfg.Root)

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		metricsServer = serveMetrics(cfg.Metrics.Listen, m)
	}

	logger.Debug("Setting up signal handlers...")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Mounting filesystem...")
	afs := fs.NewArchFS(v, fs.Options{AllowOther: cfg.AllowOther})
	if err := afs.Mount(cfg.MountPoint); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &syncer{mgr: mgr, interval: cfg.Sync.Interval, retryFor: cfg.Sync.RetryFor}
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		s.run(ctx)
	}()

	logger.Info("Filesystem mounted and ready")

	// Wait for a signal or an unmount from outside
	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v", sig)
		if err := afs.Unmount(cfg.MountPoint); err != nil {
			logger.Error("Unmount error: %v", err)
		}
		<-afs.Done()
	case err := <-afs.Done():
		if err != nil {
			logger.Error("FUSE server stopped: %v", err)
		}
	}
	cancel()
	<-syncDone

	logger.Info("Writing modified archives...")
	syncCtx, syncCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer syncCancel()
	serr := s.syncOnce(syncCtx, kernel.SyncUmount)
	if serr != nil {
		logger.Error("Final sync failed: %v", serr)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(syncCtx); err != nil {
			logger.Debug("Metrics server shutdown: %v", err)
		}
	}
	if serr != nil {
		return serr
	}
	logger.Info("Clean shutdown complete")
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}
