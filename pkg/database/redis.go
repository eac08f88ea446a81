package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/config"
	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
)

// NewRedisClient connects to the Redis server that carries column cache invalidations.
// It returns nil without error when Redis is not configured.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr(),
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: ApplicationName,
	})

	retryCfg := retry.ConnectConfig()
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("Redis not reachable, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	if err := retry.Do(ctx, retryCfg, func() error { return client.Ping(ctx).Err() }); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr()), zap.String("channel", cfg.Channel))
	return client, nil
}
