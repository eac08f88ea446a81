package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/columncache"
	"github.com/ekaya-inc/ekaya-datastore/pkg/config"
	"github.com/ekaya-inc/ekaya-datastore/pkg/contentstore"
	"github.com/ekaya-inc/ekaya-datastore/pkg/database"
	"github.com/ekaya-inc/ekaya-datastore/pkg/logging"
	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
	"github.com/ekaya-inc/ekaya-datastore/pkg/services"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// app is the wired datastore a command runs against.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *database.DB
	redis    *redis.Client
	cache    *columncache.Cache
	content  contentstore.Store
	txn      *txn.Manager
	registry *services.Registry
	stop     context.CancelFunc
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.LoadFile(opts.configPath, opts.version)
	if err != nil {
		return nil, err
	}
	color.NoColor = color.NoColor || opts.noColor || !cfg.Datastore.Color

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	connStr := cfg.Database.ConnectionString()
	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		logging.Conn("database", connStr),
		zap.String("content_store", cfg.ContentStore.Type),
		zap.Bool("redis", cfg.Redis.Enabled()))

	sqlDB, err := database.OpenSQL(connStr)
	if err != nil {
		return nil, err
	}
	err = database.RunMigrations(sqlDB, logger)
	sqlDB.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to bootstrap database: %s", logging.SanitizeError(err))
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:             connStr,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %s", logging.SanitizeError(err))
	}

	a := &app{cfg: cfg, logger: logger, db: db, stop: func() {}}

	var notifier columncache.Notifier
	if a.redis, err = database.NewRedisClient(ctx, &cfg.Redis, logger); err != nil {
		a.Close()
		return nil, err
	}
	if a.redis != nil {
		notifier = columncache.NewRedisNotifier(a.redis, cfg.Redis.Channel, logger)
	}
	a.cache = columncache.New(notifier, logger)
	if a.redis != nil {
		listenCtx, cancel := context.WithCancel(context.Background())
		a.stop = cancel
		go func() {
			if err := a.cache.Listen(listenCtx); err != nil && listenCtx.Err() == nil {
				logger.Error("Column cache listener stopped", zap.Error(err))
			}
		}()
	}

	if a.content, err = contentstore.New(ctx, &cfg.ContentStore, logger); err != nil {
		a.Close()
		return nil, err
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Datastore.WriteRetries
	a.txn = txn.NewManager(db, logger)
	a.registry = services.NewRegistry(a.txn, services.PostgresBackend(logger), a.cache, retryCfg, logger)
	return a, nil
}

// schemaName resolves the --schema flag against the configured default.
func (a *app) schemaName(opts *rootOptions) string {
	if opts.schema != "" {
		return opts.schema
	}
	return a.cfg.Datastore.Schema
}

func (a *app) Close() {
	a.stop()
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
	_ = a.logger.Sync()
}
