package storage

import (
	"context"

	"github.com/glutchdiscord-alt/goofguard/internal/metrics"

	"go.uber.org/zap"
)

type Options struct {
	DatabaseURL string
	DataDir     string
}

// Open picks the backend once for the process lifetime: the relational
// backend when DatabaseURL is set and its startup probe succeeds, flat files
// otherwise. Only a failure to create the data directory is returned.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DatabaseURL != "" {
		backend, err := OpenSQL(ctx, opts.DatabaseURL)
		if err == nil {
			logger.Info("config store ready", zap.String("backend", backend.Name()))
			return New(backend, logger), nil
		}
		metrics.StoreFallbacks.Inc()
		logger.Warn("relational backend unavailable, using flat files", zap.Error(err))
	}

	backend, err := NewFileBackend(opts.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("config store ready", zap.String("backend", backend.Name()), zap.String("dir", backend.Dir()))
	return New(backend, logger), nil
}
