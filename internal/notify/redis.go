package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
)

// Redis fans notifications out over a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, consumerIDs ...string) error {
	if len(consumerIDs) == 0 {
		return nil
	}
	data, err := encode(consumerIDs)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription confirmation so no notification is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.pubsub = pubsub

	go func() {
		for msg := range pubsub.Channel() {
			if ids, ok := decode([]byte(msg.Payload)); ok {
				handler(ids)
			}
		}
		logger.Debug("Redis notification channel closed")
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.pubsub = nil
	return err
}
