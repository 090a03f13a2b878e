package reviewlock

import (
	"context"
	"errors"
	"fmt"

	"dtiqc/internal/config"
	"dtiqc/internal/proclog"
)

// Open builds the Locker selected by cfg.Review.LockBackend. The sql backend
// shares store's connection.
func Open(ctx context.Context, cfg *config.Config, store *proclog.Store) (Locker, error) {
	opts := Options{
		Project:  cfg.Pipeline.Project,
		Claimant: cfg.Pipeline.Operator,
		LeaseTTL: cfg.LeaseTTL(),
	}
	switch cfg.Review.LockBackend {
	case config.LockBackendFile, "":
		return NewFileLocker(cfg.Paths.LockDir, opts)
	case config.LockBackendSQL:
		if store == nil {
			return nil, errors.New("sql lock backend requires the processing log store")
		}
		return NewSQLLocker(store, opts), nil
	case config.LockBackendRedis:
		return NewRedisLocker(ctx, RedisOptions{
			Addr:   cfg.Review.RedisAddr,
			DB:     cfg.Review.RedisDB,
			Prefix: cfg.Events.SubjectPrefix,
		}, opts)
	default:
		return nil, fmt.Errorf("unsupported review lock backend %q", cfg.Review.LockBackend)
	}
}
