package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
)

const (
	redisConnectAttempts = 5
	redisInitialBackoff  = 200 * time.Millisecond
	redisMaxBackoff      = 5 * time.Second
)

// NewRedisClient connects to Redis, retrying the initial ping with
// exponential backoff.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(redisInitialBackoff),
				backoff.WithMaxInterval(redisMaxBackoff),
			),
			redisConnectAttempts,
		),
		ctx,
	)
	err := backoff.RetryNotify(ping, strategy, func(err error, d time.Duration) {
		logger.WarnF("Redis %s not reachable: %v (retry in %s)", cfg.Address, err, d)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// RedisStore keeps rooms and user sets as Redis sets and queues as lists:
//
//	<prefix>:R:<room>    set of consumer ids
//	<prefix>:C:<id>      liveness marker, carries the retention TTL
//	<prefix>:Q:<id>      list of pending messages, TTL follows the marker
//	<prefix>:U:<userId>  set of active consumer ids
//
// The client is owned by the caller.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttls   config.StoreTTLs
	closed atomic.Bool
}

func NewRedisStore(client *redis.Client, prefix string, ttls config.StoreTTLs) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttls: ttls}
}

func (rs *RedisStore) roomKey(room string) string {
	return rs.prefix + ":R:" + room
}

func (rs *RedisStore) markerKey(id string) string {
	return rs.prefix + ":C:" + id
}

func (rs *RedisStore) queueKey(id string) string {
	return rs.prefix + ":Q:" + id
}

func (rs *RedisStore) userKey(userID string) string {
	return rs.prefix + ":U:" + userID
}

func (rs *RedisStore) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if rs.closed.Load() {
		return nil, nil, ErrClosed
	}
	if rs.ttls.Operation <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, rs.ttls.Operation)
	return ctx, cancel, nil
}

func (rs *RedisStore) BroadcastMessage(ctx context.Context, room, message string) ([]string, error) {
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	members, err := rs.client.SMembers(ctx, rs.roomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	ttls := make([]*redis.DurationCmd, len(members))
	_, err = rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range members {
			ttls[i] = pipe.PTTL(ctx, rs.markerKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pttl: %w", err)
	}

	receivers := make([]string, 0, len(members))
	var dead []interface{}
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range members {
			ttl := ttls[i].Val()
			// -2: marker is gone, -1: marker without expiry
			if ttl == -2 || ttl == 0 {
				dead = append(dead, id)
				continue
			}
			pipe.RPush(ctx, rs.queueKey(id), message)
			if ttl > 0 {
				pipe.PExpire(ctx, rs.queueKey(id), ttl)
			}
			receivers = append(receivers, id)
		}
		if len(dead) > 0 {
			pipe.SRem(ctx, rs.roomKey(room), dead...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis broadcast: %w", err)
	}
	return receivers, nil
}

func (rs *RedisStore) JoinRoom(ctx context.Context, room, consumerID string) (int64, error) {
	if err := checkMembership(room, consumerID); err != nil {
		return 0, err
	}
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return rs.client.SAdd(ctx, rs.roomKey(room), consumerID).Result()
}

func (rs *RedisStore) LeaveRoom(ctx context.Context, room, consumerID string) (int64, error) {
	if err := checkMembership(room, consumerID); err != nil {
		return 0, err
	}
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return rs.client.SRem(ctx, rs.roomKey(room), consumerID).Result()
}

func (rs *RedisStore) GetUserConsumers(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	consumers, err := rs.client.SMembers(ctx, rs.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if consumers == nil {
		consumers = []string{}
	}
	return consumers, nil
}

func (rs *RedisStore) AddConsumer(ctx context.Context, consumerID string) error {
	if consumerID == "" {
		return ErrEmptyConsumer
	}
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rs.markerKey(consumerID), 1, rs.ttls.Queue)
		pipe.PExpire(ctx, rs.queueKey(consumerID), rs.ttls.Queue)
		return nil
	})
	return err
}

func (rs *RedisStore) WeakenConsumer(ctx context.Context, consumerID string) error {
	return rs.expireConsumer(ctx, consumerID, rs.ttls.Weaken)
}

func (rs *RedisStore) UpdateConsumer(ctx context.Context, userID, consumerID string) error {
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.PExpire(ctx, rs.markerKey(consumerID), rs.ttls.Queue)
		pipe.PExpire(ctx, rs.queueKey(consumerID), rs.ttls.Queue)
		pipe.PExpire(ctx, rs.userKey(userID), rs.ttls.User)
		return nil
	})
	return err
}

func (rs *RedisStore) expireConsumer(ctx context.Context, consumerID string, ttl time.Duration) error {
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.PExpire(ctx, rs.markerKey(consumerID), ttl)
		pipe.PExpire(ctx, rs.queueKey(consumerID), ttl)
		return nil
	})
	return err
}

func (rs *RedisStore) AddUserConsumer(ctx context.Context, userID, consumerID string) error {
	if consumerID == "" {
		return ErrEmptyConsumer
	}
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, rs.userKey(userID), consumerID)
		pipe.PExpire(ctx, rs.userKey(userID), rs.ttls.User)
		return nil
	})
	return err
}

func (rs *RedisStore) RemoveUserConsumer(ctx context.Context, userID, consumerID string) error {
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return rs.client.SRem(ctx, rs.userKey(userID), consumerID).Err()
}

func (rs *RedisStore) PullMessages(ctx context.Context, consumerID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	messages, err := rs.client.LRange(ctx, rs.queueKey(consumerID), 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return messages, nil
}

func (rs *RedisStore) AckMessages(ctx context.Context, consumerID string, count int) error {
	if count <= 0 {
		return nil
	}
	ctx, cancel, err := rs.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return rs.client.LTrim(ctx, rs.queueKey(consumerID), int64(count), -1).Err()
}

func (rs *RedisStore) Close(_ context.Context) error {
	rs.closed.Store(true)
	return nil
}
