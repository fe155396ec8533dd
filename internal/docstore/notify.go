package docstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "pact:changes"

// RedisNotifier publishes committed collection names on a pub/sub channel so
// watchers in other processes sharing the store wake without waiting for
// their next poll.
type RedisNotifier struct {
	Client  *redis.Client
	Channel string
	Log     *zap.Logger
}

// NewRedisNotifier connects to the server named by a redis:// url.
func NewRedisNotifier(rawURL string, log *zap.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisNotifier{Client: redis.NewClient(opts), Channel: DefaultChannel, Log: log}, nil
}

func (n *RedisNotifier) channel() string {
	if n.Channel == "" {
		return DefaultChannel
	}
	return n.Channel
}

func (n *RedisNotifier) Notify(ctx context.Context, collection string) error {
	return n.Client.Publish(ctx, n.channel(), collection).Err()
}

// Forward relays published notifications to target until ctx is done.
func (n *RedisNotifier) Forward(ctx context.Context, target Notifier) error {
	sub := n.Client.Subscribe(ctx, n.channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel(), err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := target.Notify(ctx, msg.Payload); err != nil {
				n.Log.Warn("redis: forward notification failed", zap.Error(err))
			}
		}
	}
}

func (n *RedisNotifier) Close() error {
	return n.Client.Close()
}
