// Package notify carries "your queue has new messages" signals from the
// producer side to the delivery loops of consumer sessions.
//
// A notification is the JSON array of consumer ids that received a broadcast.
// Every gateway process subscribes and wakes the sessions it hosts.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
)

var ErrClosed = errors.New("notifier is closed")

// Handler receives woken consumer ids. It must not block.
type Handler func(consumerIDs []string)

type Notifier interface {
	Notify(ctx context.Context, consumerIDs ...string) error
	// Subscribe installs handler for notifications. Only one handler is
	// supported; a second call replaces the first.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// New builds the notifier selected by cfg.Type. redisClient is only used by
// the redis notifier and may be nil otherwise.
func New(ctx context.Context, cfg config.NotifierConfig, redisClient *redis.Client, instanceID string) (Notifier, error) {
	switch strings.ToLower(cfg.Type) {
	case "local":
		return NewLocal(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis notifier requires a redis client")
		}
		return NewRedis(redisClient, cfg.Channel), nil
	case "nats":
		return NewNats(cfg.NatsURL, cfg.Channel)
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.Channel, cfg.KafkaGroup+"-"+instanceID)
	default:
		return nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}
}

func encode(consumerIDs []string) ([]byte, error) {
	return json.Marshal(consumerIDs)
}

func decode(data []byte) ([]string, bool) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		logger.WarnF("Dropping malformed notification %q: %v", data, err)
		return nil, false
	}
	return ids, true
}
