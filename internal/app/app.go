// Package app wires configuration, stores and servers into a running snapper
// process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/admin"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/database"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/event"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/gateway"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/notify"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/server"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/status"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/store"
)

const connectTimeout = 30 * time.Second

// Run starts every listener and blocks until one of them fails. A clean
// shutdown happens on SIGINT/SIGTERM through the cleaner, which exits the
// process itself.
func Run(configPath, version string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}

	loggerCallback := logger.Init(cfg.LogPath, cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	serverID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	var redisClient *redis.Client
	if usesRedis(cfg) {
		if redisClient, err = store.NewRedisClient(ctx, cfg.Redis); err != nil {
			return fmt.Errorf("error occured while connecting redis: %w", err)
		}
	}

	st, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		closeRedis(redisClient)
		return fmt.Errorf("error occured while initializing store: %w", err)
	}

	notifier, err := notify.New(ctx, cfg.Notifier, redisClient, serverID)
	if err != nil {
		_ = st.Close(context.Background())
		closeRedis(redisClient)
		return fmt.Errorf("error occured while initializing notifier: %w", err)
	}

	verifier := auth.NewJWTVerifier(cfg.Auth.TokenSecret, cfg.Auth.CacheSize, cfg.Auth.CacheTTLDuration())
	gw := gateway.NewServer(gatewayOptions(cfg), verifier, st)
	if err := notifier.Subscribe(context.Background(), gw.Wake); err != nil {
		_ = notifier.Close()
		_ = st.Close(context.Background())
		closeRedis(redisClient)
		return fmt.Errorf("error occured while subscribing notifications: %w", err)
	}
	rpc := server.NewServer(serverOptions(cfg), verifier, st, notifier)

	mux := http.NewServeMux()
	mux.Handle(gw.Path(), gw)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	mux.Handle("/", status.NewHandler(verifier, version, serverID, rpc, gw))
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminServer := admin.NewServer()

	// shutdown order: stop taking traffic, then release backends
	cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
		adminServer.SetServing(false)
		return rpc.Close(ctx)
	}))
	cleaner.Add(event.CallableFunc(gw.Close))
	cleaner.Add(event.CallableFunc(httpServer.Shutdown))
	cleaner.Add(event.CallableFunc(adminServer.Close))
	cleaner.Add(event.CallableFunc(func(context.Context) error { return notifier.Close() }))
	cleaner.Add(event.CallableFunc(st.Close))
	if redisClient != nil {
		cleaner.Add(event.CallableFunc(func(context.Context) error { return redisClient.Close() }))
	}

	errCh := make(chan error, 3)
	running := 2
	go func() { errCh <- rpc.ListenAndServe(cfg.Server.RPCPort) }()
	go func() {
		logger.InfoF("HTTP Server Listen On %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
			return
		}
		errCh <- nil
	}()
	if cfg.Admin.GRPCPort > 0 {
		running++
		go func() { errCh <- adminServer.ListenAndServe(cfg.Admin.GRPCPort) }()
	}

	logger.InfoF("Snapper %s started, serverId %s, store %s, notifier %s", version, serverID, cfg.Store.Type, cfg.Notifier.Type)

	for ; running > 0; running-- {
		if err := <-errCh; err != nil {
			logger.FatalF("Server stopped unexpectedly, details: %v", err)
			return err
		}
	}
	return nil
}

func usesRedis(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Store.Type, "redis") || strings.EqualFold(cfg.Notifier.Type, "redis")
}

func closeRedis(client *redis.Client) {
	if client != nil {
		_ = client.Close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	ttls := cfg.Store.TTLs()
	switch strings.ToLower(cfg.Store.Type) {
	case "memory":
		return store.NewMemoryStore(ttls), nil
	case "redis":
		return store.NewRedisStore(redisClient, cfg.Store.KeyPrefix, ttls), nil
	case "mongo":
		client, db, err := database.Connect(ctx, cfg.AppName, cfg.Database)
		if err != nil {
			return nil, err
		}
		return database.NewMongoStore(client, db, ttls), nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownBackend, cfg.Store.Type)
	}
}

func serverOptions(cfg *config.Config) server.Options {
	opts := server.DefaultOptions()
	opts.MaxInvalidRequests = cfg.RPC.MaxInvalidRequests
	opts.MaxConnections = cfg.RPC.MaxConnections
	opts.AuthTimeout = cfg.RPC.AuthTimeoutDuration()
	return opts
}

func gatewayOptions(cfg *config.Config) gateway.Options {
	return gateway.Options{
		Path:             cfg.WebSocket.Path,
		Cookie:           cfg.WebSocket.Cookie,
		HeartbeatTimeout: cfg.WebSocket.HeartbeatTimeoutDuration(),
		DeliveryTimeout:  cfg.WebSocket.DeliveryTimeoutDuration(),
		RetryInterval:    cfg.WebSocket.RetryIntervalDuration(),
		BatchSize:        cfg.WebSocket.BatchSize,
		ReadLimit:        cfg.WebSocket.ReadLimit,
	}
}
