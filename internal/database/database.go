package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect opens a MongoDB client for cfg, pings it and makes sure the
// collections used by the store carry their indexes.
func Connect(ctx context.Context, appName string, cfg config.DatabaseConfig) (*mongo.Client, *mongo.Database, error) {
	logger.DebugF("Connecting to database...")

	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
	if cfg.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.MustParseStringTime(cfg.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.MustParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.MustParseStringTime(cfg.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.MustParseStringTime(cfg.Heartbeat))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database)
	if err := ensureIndexes(connectCtx, db); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, err
	}
	logger.InfoF("Connected to database %s at %s:%d", cfg.Database, cfg.Host, cfg.Port)
	return client, db, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		RoomCollectionName: {
			{
				Keys:    bson.D{{Key: "room", Value: 1}, {Key: "consumer_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("rooms_room_consumer_unique"),
			},
		},
		ConsumerCollectionName: {
			{
				Keys:    bson.D{{Key: "consumer_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("consumers_consumer_id_unique"),
			},
			{
				Keys:    bson.D{{Key: "expire_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0).SetName("consumers_expire_at_ttl"),
			},
		},
		UserConsumerCollectionName: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("user_consumers_user_id_unique"),
			},
			{
				Keys:    bson.D{{Key: "expire_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0).SetName("user_consumers_expire_at_ttl"),
			},
		},
	}

	for _, name := range collectionsList {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes[name]); err != nil {
			return fmt.Errorf("error occured while creating indexes on %s: %w", name, err)
		}
	}
	return nil
}
