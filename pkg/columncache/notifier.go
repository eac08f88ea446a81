package columncache

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// DefaultChannel is the redis channel invalidations are published on.
const DefaultChannel = "ekaya:datastore:columns"

// Notifier carries column cache invalidations between processes.
type Notifier interface {
	Publish(ctx context.Context, table models.TableRef) error
	// Subscribe calls fn for every invalidation published by another process. It blocks
	// until ctx is done.
	Subscribe(ctx context.Context, fn func(models.TableRef)) error
}

// NopNotifier publishes nowhere and receives nothing.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, models.TableRef) error { return nil }

func (NopNotifier) Subscribe(ctx context.Context, _ func(models.TableRef)) error {
	<-ctx.Done()
	return nil
}

// RedisNotifier publishes invalidations as "<origin>|<schema.table>" messages. Each
// notifier has its own origin and skips its own messages.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier creates a notifier on channel, DefaultChannel when empty.
func NewRedisNotifier(client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.Named("column-notifier"),
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, table models.TableRef) error {
	if err := n.client.Publish(ctx, n.channel, encodeMessage(n.origin, table)).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation of %s: %w", table.Key(), err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(models.TableRef)) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}
	n.logger.Info("Listening for column cache invalidations", zap.String("channel", n.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			origin, table, err := decodeMessage(msg.Payload)
			if err != nil {
				n.logger.Warn("Ignoring malformed invalidation", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			if origin == n.origin {
				continue
			}
			fn(table)
		}
	}
}

func encodeMessage(origin string, table models.TableRef) string {
	return origin + "|" + table.Key()
}

func decodeMessage(payload string) (string, models.TableRef, error) {
	origin, key, ok := strings.Cut(payload, "|")
	if !ok || origin == "" {
		return "", models.TableRef{}, fmt.Errorf("missing origin")
	}
	table, err := models.ParseTableRef(key)
	if err != nil {
		return "", models.TableRef{}, err
	}
	return origin, table, nil
}
