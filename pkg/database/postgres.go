package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// ApplicationName is reported to PostgreSQL for every pooled connection.
const ApplicationName = "ekaya-datastore"

// DB is the datastore's connection pool. Each transaction holds one pooled connection.
type DB struct {
	*pgxpool.Pool
}

var _ txn.Beginner = (*DB)(nil)

// Config holds database connection configuration. Zero values fall back to defaults.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// Connect controls retries while the server is not reachable yet. Nil uses
	// retry.ConnectConfig.
	Connect *retry.Config
	Logger  *zap.Logger
}

func (c *Config) poolConfig() (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = c.MaxConnections
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 25
	}
	poolConfig.MaxConnLifetime = c.MaxConnLifetime
	if poolConfig.MaxConnLifetime <= 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}
	poolConfig.MaxConnIdleTime = c.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime <= 0 {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}
	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}
	return poolConfig, nil
}

// NewConnection creates the connection pool and waits until the server answers a ping,
// retrying connection failures.
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	poolConfig, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retryCfg := retry.ConnectConfig()
	if cfg.Connect != nil {
		c := *cfg.Connect
		retryCfg = &c
	}
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("Database not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	pool, err := retry.DoWithResult(ctx, retryCfg, retry.IsRetryable, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("Connected to database",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_connections", poolConfig.MaxConns))
	return &DB{Pool: pool}, nil
}

// Begin opens a transaction on a pooled connection. The connection returns to the pool
// when the transaction commits or rolls back.
func (db *DB) Begin(ctx context.Context, readOnly bool) (txn.DBTx, error) {
	opts := pgx.TxOptions{AccessMode: pgx.ReadWrite}
	if readOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := db.Pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}
