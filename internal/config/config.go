package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/utils"
	"github.com/spf13/viper"
)

const DefaultConfigFile = "config.json"

type Config struct {
	AppName   string `mapstructure:"app_name"`
	DebugMode bool   `mapstructure:"debug_mode"`
	LogPath   string `mapstructure:"log_path"`

	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port    int `mapstructure:"port"`
	RPCPort int `mapstructure:"rpc_port"`
}

type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
	CacheSize   int    `mapstructure:"cache_size"`
	CacheTTL    string `mapstructure:"cache_ttl"`
}

type RPCConfig struct {
	MaxInvalidRequests int    `mapstructure:"max_invalid_requests"`
	MaxConnections     int    `mapstructure:"max_connections"`
	AuthTimeout        string `mapstructure:"auth_timeout"`
}

type WebSocketConfig struct {
	Path             string `mapstructure:"path"`
	Cookie           string `mapstructure:"cookie"`
	HeartbeatTimeout string `mapstructure:"heartbeat_timeout"`
	DeliveryTimeout  string `mapstructure:"delivery_timeout"`
	RetryInterval    string `mapstructure:"retry_interval"`
	BatchSize        int    `mapstructure:"batch_size"`
	ReadLimit        int64  `mapstructure:"read_limit"`
}

type StoreConfig struct {
	Type             string `mapstructure:"type"`
	KeyPrefix        string `mapstructure:"key_prefix"`
	QueueTTL         string `mapstructure:"queue_ttl"`
	WeakenTTL        string `mapstructure:"weaken_ttl"`
	UserTTL          string `mapstructure:"user_ttl"`
	OperationTimeout string `mapstructure:"operation_timeout"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               uint64 `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Database           string `mapstructure:"database"`
	UseTLS             bool   `mapstructure:"use_tls"`
	ConnectTimeout     string `mapstructure:"connect_timeout"`
	SocketTimeout      string `mapstructure:"socket_timeout"`
	ConnectIdleTimeout string `mapstructure:"connect_idle_timeout"`
	OperationTimeout   string `mapstructure:"operation_timeout"`
	Heartbeat          string `mapstructure:"heartbeat"`
	MinPoolSize        uint64 `mapstructure:"min_pool_size"`
	MaxPoolSize        uint64 `mapstructure:"max_pool_size"`
}

type NotifierConfig struct {
	Type         string   `mapstructure:"type"`
	Channel      string   `mapstructure:"channel"`
	NatsURL      string   `mapstructure:"nats_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaGroup   string   `mapstructure:"kafka_group"`
}

type AdminConfig struct {
	GRPCPort int `mapstructure:"grpc_port"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var (
	config      *Config
	mu          sync.Mutex
	ErrNoConfig = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
)

// ReadConfig loads the config file at path (config.json when empty), applying
// defaults and SNAPPER_* environment overrides. A missing file is written out
// with the defaults and ErrNoConfig is returned.
func ReadConfig(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if path == "" {
		path = DefaultConfigFile
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("SNAPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := v.WriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
		return nil, ErrNoConfig
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config file error: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	c.applyInstanceOffset()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config = &c
	return config, nil
}

// GetConfig returns the config loaded by ReadConfig, or defaults if none was loaded.
func GetConfig() *Config {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		config = Default()
	}
	return config
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// applyInstanceOffset shifts the websocket port by SNAPPER_INSTANCE so several
// processes can share one host, one port each.
func (c *Config) applyInstanceOffset() {
	instance, err := strconv.Atoi(os.Getenv("SNAPPER_INSTANCE"))
	if err != nil || instance <= 0 {
		return
	}
	c.Server.Port += instance
}

func (c *WebSocketConfig) HeartbeatTimeoutDuration() time.Duration {
	return utils.MustParseStringTime(c.HeartbeatTimeout)
}

func (c *WebSocketConfig) DeliveryTimeoutDuration() time.Duration {
	return utils.MustParseStringTime(c.DeliveryTimeout)
}

func (c *WebSocketConfig) RetryIntervalDuration() time.Duration {
	return utils.MustParseStringTime(c.RetryInterval)
}

func (c *RPCConfig) AuthTimeoutDuration() time.Duration {
	return utils.MustParseStringTime(c.AuthTimeout)
}

func (c *AuthConfig) CacheTTLDuration() time.Duration {
	return utils.MustParseStringTime(c.CacheTTL)
}

// StoreTTLs holds the parsed retention settings of the room/queue store.
type StoreTTLs struct {
	Queue     time.Duration
	Weaken    time.Duration
	User      time.Duration
	Operation time.Duration
}

func (c *StoreConfig) TTLs() StoreTTLs {
	return StoreTTLs{
		Queue:     utils.MustParseStringTime(c.QueueTTL),
		Weaken:    utils.MustParseStringTime(c.WeakenTTL),
		User:      utils.MustParseStringTime(c.UserTTL),
		Operation: utils.MustParseStringTime(c.OperationTimeout),
	}
}
