package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/utils"
)

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Server.RPCPort < 1 || c.Server.RPCPort > 65535 {
		return errors.New("invalid rpc port")
	}
	if c.Server.Port == c.Server.RPCPort {
		return errors.New("server port and rpc port must differ")
	}
	if c.Auth.TokenSecret == "" {
		return errors.New("auth.token_secret must be set")
	}
	if c.RPC.MaxInvalidRequests < 1 {
		return errors.New("rpc.max_invalid_requests must be positive")
	}
	if c.RPC.MaxConnections < 1 {
		return errors.New("rpc.max_connections must be positive")
	}
	if c.WebSocket.Path == "" || !strings.HasPrefix(c.WebSocket.Path, "/") {
		return errors.New("websocket.path must start with '/'")
	}
	if c.WebSocket.Cookie == "" {
		return errors.New("websocket.cookie must be set")
	}
	if c.WebSocket.BatchSize < 1 {
		return errors.New("websocket.batch_size must be positive")
	}

	durations := map[string]string{
		"auth.cache_ttl":              c.Auth.CacheTTL,
		"rpc.auth_timeout":            c.RPC.AuthTimeout,
		"websocket.heartbeat_timeout": c.WebSocket.HeartbeatTimeout,
		"websocket.delivery_timeout":  c.WebSocket.DeliveryTimeout,
		"websocket.retry_interval":    c.WebSocket.RetryInterval,
		"store.queue_ttl":             c.Store.QueueTTL,
		"store.weaken_ttl":            c.Store.WeakenTTL,
		"store.user_ttl":              c.Store.UserTTL,
		"store.operation_timeout":     c.Store.OperationTimeout,
	}
	for key, value := range durations {
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	ttls := c.Store.TTLs()
	if ttls.Weaken >= ttls.Queue {
		return errors.New("store.weaken_ttl should be less than store.queue_ttl")
	}
	if c.WebSocket.DeliveryTimeoutDuration() <= 0 {
		return errors.New("websocket.delivery_timeout must be positive")
	}

	switch strings.ToLower(c.Store.Type) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis.address must be specified for redis store")
		}
	case "mongo":
		if c.Database.Host == "" || c.Database.Database == "" {
			return errors.New("database.host and database.database must be specified for mongo store")
		}
	default:
		return fmt.Errorf("invalid store type: %s. Must be 'memory', 'redis' or 'mongo'", c.Store.Type)
	}

	switch strings.ToLower(c.Notifier.Type) {
	case "local":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis.address must be specified for redis notifier")
		}
	case "nats":
		if c.Notifier.NatsURL == "" {
			return errors.New("notifier.nats_url must be specified for nats notifier")
		}
	case "kafka":
		if len(c.Notifier.KafkaBrokers) == 0 {
			return errors.New("notifier.kafka_brokers must be specified for kafka notifier")
		}
		if c.Notifier.KafkaGroup == "" {
			return errors.New("notifier.kafka_group must be specified for kafka notifier")
		}
	default:
		return fmt.Errorf("invalid notifier type: %s. Must be 'local', 'redis', 'nats' or 'kafka'", c.Notifier.Type)
	}
	if c.Notifier.Channel == "" {
		return errors.New("notifier.channel must be set")
	}

	return nil
}
