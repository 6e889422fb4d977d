// Package app assembles the engine's services from configuration. Both the
// HTTP server and the audit command start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/poolbet/internal/account"
	"github.com/atmx/poolbet/internal/archive"
	"github.com/atmx/poolbet/internal/audit"
	"github.com/atmx/poolbet/internal/config"
	"github.com/atmx/poolbet/internal/lock"
	"github.com/atmx/poolbet/internal/settlement"
	"github.com/atmx/poolbet/internal/stake"
	"github.com/atmx/poolbet/internal/store"
)

// App holds the wired services and the connections behind them.
type App struct {
	Store    store.Store
	Accounts *account.Service
	Stakes   *stake.Executor
	Settler  *settlement.Settler
	Auditor  *audit.Auditor
	// Archiver is nil unless archive.bucket is configured.
	Archiver *archive.S3Archiver

	cleanup []func() error
}

// Open connects storage, the optional Redis cache and lock, and the optional
// report archive, then builds the services on top.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Store, err = a.openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		if ttl := cfg.CacheTTL(); ttl > 0 && cfg.Storage.Driver != config.DriverMemory {
			a.Store = store.NewCachedStore(a.Store, rdb, ttl)
			logger.Info("redis cache enabled", "ttl", ttl)
		}
		locker = lock.NewRedis(rdb)
	}

	if cfg.Archive.Bucket != "" {
		a.Archiver, err = archive.NewS3(ctx, archive.Config{
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			PathStyle: cfg.Archive.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("report archive enabled", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	}

	policy := cfg.RetryPolicy()
	a.Accounts = account.NewService(a.Store, cfg.Market.StartingBalance, policy, logger)
	a.Stakes = stake.NewExecutor(a.Store, policy, logger)
	a.Settler = settlement.NewSettler(a.Store, settlement.Options{
		RequireModeration: cfg.Market.RequireModeration,
		Moderators:        cfg.Market.Moderators,
		Retry:             policy,
	}, logger)

	auditOpts := audit.Options{
		StartingBalance: cfg.Market.StartingBalance,
		Retry:           policy,
		Locker:          locker,
	}
	if a.Archiver != nil {
		auditOpts.Archiver = a.Archiver
	}
	a.Auditor = audit.NewAuditor(a.Store, auditOpts, logger)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := store.OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() error { pool.Close(); return nil })
		pg := store.NewPostgresStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		logger.Info("connected to PostgreSQL", "max_conns", cfg.MaxConns)
		return pg, nil

	case config.DriverSQLite:
		s, err := store.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, s.Close)
		logger.Info("opened SQLite store", "path", cfg.Path)
		return s, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanup = nil
	return errors.Join(errs...)
}
