package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"archfs/internal/fs"
	"archfs/internal/kernel"
)

// periodicSync commits touched archives and leaves idle ones mounted.
const periodicSync kernel.SyncOptions = 0

// syncer commits modified archives at a fixed interval. A sync blocked by
// open streams is retried with exponential backoff.
type syncer struct {
	mgr      *kernel.Manager
	interval time.Duration
	retryFor time.Duration
}

// run syncs until ctx is done. It returns immediately if the interval is
// zero.
func (s *syncer) run(ctx context.Context) {
	if s.interval <= 0 {
		logger.Info("Periodic sync disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx, periodicSync); err != nil && ctx.Err() == nil {
				logger.Warn("Periodic sync failed: %v", err)
			}
		}
	}
}

// syncOnce syncs the federation, retrying while some archive is busy.
// Warnings are logged and not returned.
func (s *syncer) syncOnce(ctx context.Context, opts kernel.SyncOptions) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.retryFor
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = time.Minute
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := s.mgr.Sync(ctx, opts)
		switch {
		case err == nil:
			return nil
		case kernel.IsSyncWarning(err):
			logger.Warn("Sync completed with warnings: %v", err)
			return nil
		case fs.IsTemporary(err):
			logger.Debug("Sync attempt %d blocked: %v", attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
