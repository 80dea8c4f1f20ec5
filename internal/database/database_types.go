package database

import "time"

const (
	RoomCollectionName         = "rooms"
	ConsumerCollectionName     = "consumers"
	UserConsumerCollectionName = "user_consumers"
)

var collectionsList = []string{RoomCollectionName, ConsumerCollectionName, UserConsumerCollectionName}

// RoomMember is one (room, consumer) membership.
type RoomMember struct {
	Room       string `bson:"room"`
	ConsumerID string `bson:"consumer_id"`
}

// Consumer is a consumer queue. The TTL index on expire_at removes it once
// retention runs out.
type Consumer struct {
	ConsumerID string    `bson:"consumer_id"`
	Messages   []string  `bson:"messages"`
	ExpireAt   time.Time `bson:"expire_at"`
}

type UserConsumers struct {
	UserID      string    `bson:"user_id"`
	ConsumerIDs []string  `bson:"consumer_ids"`
	ExpireAt    time.Time `bson:"expire_at"`
}
