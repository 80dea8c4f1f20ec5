package database

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements store.Store on MongoDB. It owns the client and
// disconnects it on Close.
type MongoStore struct {
	client    *mongo.Client
	rooms     *mongo.Collection
	consumers *mongo.Collection
	users     *mongo.Collection
	ttls      config.StoreTTLs
	closed    atomic.Bool
	now       func() time.Time
}

var _ store.Store = (*MongoStore)(nil)

func NewMongoStore(client *mongo.Client, db *mongo.Database, ttls config.StoreTTLs) *MongoStore {
	return &MongoStore{
		client:    client,
		rooms:     db.Collection(RoomCollectionName),
		consumers: db.Collection(ConsumerCollectionName),
		users:     db.Collection(UserConsumerCollectionName),
		ttls:      ttls,
		now:       time.Now,
	}
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *MongoStore) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if ds.closed.Load() {
		return nil, nil, store.ErrClosed
	}
	if ds.ttls.Operation <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, ds.ttls.Operation)
	return ctx, cancel, nil
}

func (ds *MongoStore) live(consumerID string) bson.M {
	return bson.M{"consumer_id": consumerID, "expire_at": bson.M{"$gt": ds.now()}}
}

func (ds *MongoStore) BroadcastMessage(ctx context.Context, room, message string) ([]string, error) {
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	startTime := time.Now()
	var members []RoomMember
	cursor, err := ds.rooms.Find(ctx, bson.M{"room": room})
	if err != nil {
		return nil, wrapError(err)
	}
	if err := cursor.All(ctx, &members); err != nil {
		return nil, wrapError(err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ConsumerID
	}

	liveFilter := bson.M{"consumer_id": bson.M{"$in": ids}, "expire_at": bson.M{"$gt": ds.now()}}
	var alive []Consumer
	cursor, err = ds.consumers.Find(ctx, liveFilter, options.Find().SetProjection(bson.M{"consumer_id": 1}))
	if err != nil {
		return nil, wrapError(err)
	}
	if err := cursor.All(ctx, &alive); err != nil {
		return nil, wrapError(err)
	}

	receivers := make([]string, 0, len(alive))
	aliveSet := make(map[string]struct{}, len(alive))
	for _, c := range alive {
		receivers = append(receivers, c.ConsumerID)
		aliveSet[c.ConsumerID] = struct{}{}
	}
	var dead []string
	for _, id := range ids {
		if _, ok := aliveSet[id]; !ok {
			dead = append(dead, id)
		}
	}

	if len(receivers) > 0 {
		_, err = ds.consumers.UpdateMany(ctx,
			bson.M{"consumer_id": bson.M{"$in": receivers}},
			bson.M{"$push": bson.M{"messages": message}},
		)
		if err != nil {
			return nil, wrapError(err)
		}
	}
	if len(dead) > 0 {
		if _, err := ds.rooms.DeleteMany(ctx, bson.M{"room": room, "consumer_id": bson.M{"$in": dead}}); err != nil {
			logger.WarnF("Failed to prune %d dead members of room %s: %v", len(dead), room, err)
		}
	}

	logger.DebugF("broadcast to %s cost: %v", room, time.Since(startTime))
	return receivers, nil
}

func (ds *MongoStore) JoinRoom(ctx context.Context, room, consumerID string) (int64, error) {
	if room == "" {
		return 0, store.ErrEmptyRoom
	}
	if consumerID == "" {
		return 0, store.ErrEmptyConsumer
	}
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	member := RoomMember{Room: room, ConsumerID: consumerID}
	result, err := ds.rooms.UpdateOne(ctx,
		bson.M{"room": room, "consumer_id": consumerID},
		bson.M{"$setOnInsert": member},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return 0, wrapError(err)
	}
	return result.UpsertedCount, nil
}

func (ds *MongoStore) LeaveRoom(ctx context.Context, room, consumerID string) (int64, error) {
	if room == "" {
		return 0, store.ErrEmptyRoom
	}
	if consumerID == "" {
		return 0, store.ErrEmptyConsumer
	}
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	result, err := ds.rooms.DeleteOne(ctx, bson.M{"room": room, "consumer_id": consumerID})
	if err != nil {
		return 0, wrapError(err)
	}
	return result.DeletedCount, nil
}

func (ds *MongoStore) GetUserConsumers(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var doc UserConsumers
	err = ds.users.FindOne(ctx, bson.M{"user_id": userID, "expire_at": bson.M{"$gt": ds.now()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []string{}, nil
	}
	if err != nil {
		return nil, wrapError(err)
	}
	if doc.ConsumerIDs == nil {
		return []string{}, nil
	}
	return doc.ConsumerIDs, nil
}

func (ds *MongoStore) AddConsumer(ctx context.Context, consumerID string) error {
	if consumerID == "" {
		return store.ErrEmptyConsumer
	}
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	now := ds.now()
	// the TTL monitor runs about once a minute, drop a stale queue ourselves
	_, err = ds.consumers.DeleteOne(ctx, bson.M{"consumer_id": consumerID, "expire_at": bson.M{"$lte": now}})
	if err != nil {
		return wrapError(err)
	}

	result, err := ds.consumers.UpdateOne(ctx,
		bson.M{"consumer_id": consumerID},
		bson.M{
			"$set":         bson.M{"expire_at": now.Add(ds.ttls.Queue)},
			"$setOnInsert": bson.M{"messages": bson.A{}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return wrapError(err)
	}
	logger.DebugF("Consumer saved: consumer_id=%s, matched=%d, upserted=%v",
		consumerID, result.MatchedCount, result.UpsertedID != nil)
	return nil
}

func (ds *MongoStore) WeakenConsumer(ctx context.Context, consumerID string) error {
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = ds.consumers.UpdateOne(ctx, ds.live(consumerID),
		bson.M{"$set": bson.M{"expire_at": ds.now().Add(ds.ttls.Weaken)}})
	return wrapError(err)
}

func (ds *MongoStore) UpdateConsumer(ctx context.Context, userID, consumerID string) error {
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	now := ds.now()
	_, err = ds.consumers.UpdateOne(ctx, ds.live(consumerID),
		bson.M{"$set": bson.M{"expire_at": now.Add(ds.ttls.Queue)}})
	if err != nil {
		return wrapError(err)
	}
	_, err = ds.users.UpdateOne(ctx,
		bson.M{"user_id": userID, "expire_at": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"expire_at": now.Add(ds.ttls.User)}})
	return wrapError(err)
}

func (ds *MongoStore) AddUserConsumer(ctx context.Context, userID, consumerID string) error {
	if consumerID == "" {
		return store.ErrEmptyConsumer
	}
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = ds.users.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$addToSet": bson.M{"consumer_ids": consumerID},
			"$set":      bson.M{"expire_at": ds.now().Add(ds.ttls.User)},
		},
		options.Update().SetUpsert(true),
	)
	return wrapError(err)
}

func (ds *MongoStore) RemoveUserConsumer(ctx context.Context, userID, consumerID string) error {
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = ds.users.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$pull": bson.M{"consumer_ids": consumerID}},
	)
	return wrapError(err)
}

func (ds *MongoStore) PullMessages(ctx context.Context, consumerID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var doc Consumer
	opts := options.FindOne().SetProjection(bson.M{"messages": bson.M{"$slice": limit}})
	err = ds.consumers.FindOne(ctx, ds.live(consumerID), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err)
	}
	return doc.Messages, nil
}

func (ds *MongoStore) AckMessages(ctx context.Context, consumerID string, count int) error {
	if count <= 0 {
		return nil
	}
	ctx, cancel, err := ds.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	// drop the first count messages, keeping whatever arrived after the pull
	trim := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"messages": bson.M{"$slice": bson.A{
				"$messages",
				count,
				bson.M{"$max": bson.A{bson.M{"$size": "$messages"}, 1}},
			}},
		}}},
	}
	_, err = ds.consumers.UpdateOne(ctx, bson.M{"consumer_id": consumerID}, trim)
	return wrapError(err)
}

func (ds *MongoStore) Close(ctx context.Context) error {
	if !ds.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.InfoF("Closing database connection")
	return ds.client.Disconnect(ctx)
}
