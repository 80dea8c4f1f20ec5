package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "snapper")
	v.SetDefault("debug_mode", false)
	v.SetDefault("log_path", "logs")

	// Server
	v.SetDefault("server.port", 7701)
	v.SetDefault("server.rpc_port", 7700)

	// Auth
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.cache_size", 4096)
	v.SetDefault("auth.cache_ttl", "1m")

	// Producer RPC
	v.SetDefault("rpc.max_invalid_requests", 100)
	v.SetDefault("rpc.max_connections", 10000)
	v.SetDefault("rpc.auth_timeout", "60s")

	// Consumer websocket
	v.SetDefault("websocket.path", "/websocket")
	v.SetDefault("websocket.cookie", "snapper.ws")
	v.SetDefault("websocket.heartbeat_timeout", "85s")
	v.SetDefault("websocket.delivery_timeout", "100s")
	v.SetDefault("websocket.retry_interval", "5s")
	v.SetDefault("websocket.batch_size", 50)
	v.SetDefault("websocket.read_limit", 1<<20)

	// Room/queue store
	v.SetDefault("store.type", "redis")
	v.SetDefault("store.key_prefix", "snapper")
	v.SetDefault("store.queue_ttl", "1d")
	v.SetDefault("store.weaken_ttl", "60s")
	v.SetDefault("store.user_ttl", "1d")
	v.SetDefault("store.operation_timeout", "5s")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	// MongoDB
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 27017)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "snapper")
	v.SetDefault("database.use_tls", false)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.socket_timeout", "30s")
	v.SetDefault("database.connect_idle_timeout", "5m")
	v.SetDefault("database.operation_timeout", "5s")
	v.SetDefault("database.heartbeat", "10s")
	v.SetDefault("database.min_pool_size", 1)
	v.SetDefault("database.max_pool_size", 100)

	// Notifier
	v.SetDefault("notifier.type", "redis")
	v.SetDefault("notifier.channel", "snapper:notify")
	v.SetDefault("notifier.nats_url", "nats://localhost:4222")
	v.SetDefault("notifier.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("notifier.kafka_group", "snapper")

	// Admin
	v.SetDefault("admin.grpc_port", 0)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
