package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glutchdiscord-alt/goofguard/internal/backup"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Snapshotter interface {
	Snapshot(ctx context.Context, reason string) (backup.Archive, error)
}

// Coordinator flushes every component and takes a final backup when the
// process is asked to stop.
type Coordinator struct {
	flushers []backup.Flusher
	backup   Snapshotter
	logger   *zap.Logger
	timeout  time.Duration
}

func New(snapshotter Snapshotter, logger *zap.Logger, flushers ...backup.Flusher) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		flushers: flushers,
		backup:   snapshotter,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

func (c *Coordinator) WithTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Wait blocks until SIGINT, SIGTERM or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	c.logger.Info("shutdown requested")
}

// Shutdown flushes all components in parallel, then archives the store.
// Neither step blocks exit: errors are logged and returned joined.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	errs := make([]error, len(c.flushers))
	var group errgroup.Group
	for i, flusher := range c.flushers {
		group.Go(func() error {
			if err := flusher.Flush(ctx); err != nil {
				c.logger.Error("flush on shutdown failed", zap.String("component", flusher.Name()), zap.Error(err))
				errs[i] = err
			}
			return nil
		})
	}
	_ = group.Wait()

	if c.backup != nil {
		if _, err := c.backup.Snapshot(ctx, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err == nil {
		c.logger.Info("state flushed and archived")
	}
	return err
}
