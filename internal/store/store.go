// Package store holds room membership, per-consumer message queues and the
// per-user consumer registry.
//
// A consumer is alive while its marker exists. BroadcastMessage appends the
// message to the queue of every live member of a room and drops members whose
// marker has expired. Queues are read with PullMessages, which only peeks, and
// trimmed with AckMessages once a batch has been delivered.
package store

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("store is closed")
	ErrEmptyRoom      = errors.New("room is empty")
	ErrEmptyConsumer  = errors.New("consumer id is empty")
	ErrUnknownBackend = errors.New("unknown store type")
)

type Store interface {
	// BroadcastMessage queues message for every live member of room and
	// returns the ids of the consumers that received it.
	BroadcastMessage(ctx context.Context, room, message string) ([]string, error)
	JoinRoom(ctx context.Context, room, consumerID string) (int64, error)
	LeaveRoom(ctx context.Context, room, consumerID string) (int64, error)
	GetUserConsumers(ctx context.Context, userID string) ([]string, error)

	AddConsumer(ctx context.Context, consumerID string) error
	// WeakenConsumer shortens the retention of a consumer that is not
	// expected to come back.
	WeakenConsumer(ctx context.Context, consumerID string) error
	// UpdateConsumer refreshes the retention of a live consumer and its user set.
	UpdateConsumer(ctx context.Context, userID, consumerID string) error
	AddUserConsumer(ctx context.Context, userID, consumerID string) error
	RemoveUserConsumer(ctx context.Context, userID, consumerID string) error

	PullMessages(ctx context.Context, consumerID string, limit int) ([]string, error)
	AckMessages(ctx context.Context, consumerID string, count int) error

	Close(ctx context.Context) error
}

// UserRoom is the room every consumer session of a user joins.
func UserRoom(userID string) string {
	return "user" + userID
}

func checkMembership(room, consumerID string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if consumerID == "" {
		return ErrEmptyConsumer
	}
	return nil
}
