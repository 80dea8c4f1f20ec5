package store

import (
	"context"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
)

type memoryQueue struct {
	messages []string
	expireAt time.Time
}

type memoryUser struct {
	consumers map[string]struct{}
	expireAt  time.Time
}

// MemoryStore keeps everything in process. Expiry is evaluated lazily on access.
type MemoryStore struct {
	mu     sync.Mutex
	ttls   config.StoreTTLs
	rooms  map[string]map[string]struct{}
	queues map[string]*memoryQueue
	users  map[string]*memoryUser
	closed bool
	now    func() time.Time
}

func NewMemoryStore(ttls config.StoreTTLs) *MemoryStore {
	return &MemoryStore{
		ttls:   ttls,
		rooms:  make(map[string]map[string]struct{}),
		queues: make(map[string]*memoryQueue),
		users:  make(map[string]*memoryUser),
		now:    time.Now,
	}
}

// queue returns the live queue of consumerID, dropping it if it has expired.
// Callers hold ms.mu.
func (ms *MemoryStore) queue(consumerID string) *memoryQueue {
	q, ok := ms.queues[consumerID]
	if !ok {
		return nil
	}
	if !ms.now().Before(q.expireAt) {
		delete(ms.queues, consumerID)
		return nil
	}
	return q
}

func (ms *MemoryStore) user(userID string) *memoryUser {
	u, ok := ms.users[userID]
	if !ok {
		return nil
	}
	if !ms.now().Before(u.expireAt) {
		delete(ms.users, userID)
		return nil
	}
	return u
}

func (ms *MemoryStore) BroadcastMessage(_ context.Context, room, message string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}

	members := ms.rooms[room]
	receivers := make([]string, 0, len(members))
	for id := range members {
		q := ms.queue(id)
		if q == nil {
			delete(members, id)
			continue
		}
		q.messages = append(q.messages, message)
		receivers = append(receivers, id)
	}
	if len(members) == 0 {
		delete(ms.rooms, room)
	}
	return receivers, nil
}

func (ms *MemoryStore) JoinRoom(_ context.Context, room, consumerID string) (int64, error) {
	if err := checkMembership(room, consumerID); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}

	members, ok := ms.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		ms.rooms[room] = members
	}
	if _, ok := members[consumerID]; ok {
		return 0, nil
	}
	members[consumerID] = struct{}{}
	return 1, nil
}

func (ms *MemoryStore) LeaveRoom(_ context.Context, room, consumerID string) (int64, error) {
	if err := checkMembership(room, consumerID); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}

	members := ms.rooms[room]
	if _, ok := members[consumerID]; !ok {
		return 0, nil
	}
	delete(members, consumerID)
	if len(members) == 0 {
		delete(ms.rooms, room)
	}
	return 1, nil
}

func (ms *MemoryStore) GetUserConsumers(_ context.Context, userID string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}

	consumers := make([]string, 0)
	if u := ms.user(userID); u != nil {
		for id := range u.consumers {
			consumers = append(consumers, id)
		}
	}
	return consumers, nil
}

func (ms *MemoryStore) AddConsumer(_ context.Context, consumerID string) error {
	if consumerID == "" {
		return ErrEmptyConsumer
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}

	expireAt := ms.now().Add(ms.ttls.Queue)
	if q := ms.queue(consumerID); q != nil {
		q.expireAt = expireAt
		return nil
	}
	ms.queues[consumerID] = &memoryQueue{expireAt: expireAt}
	return nil
}

func (ms *MemoryStore) WeakenConsumer(_ context.Context, consumerID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}

	if q := ms.queue(consumerID); q != nil {
		q.expireAt = ms.now().Add(ms.ttls.Weaken)
	}
	return nil
}

func (ms *MemoryStore) UpdateConsumer(_ context.Context, userID, consumerID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}

	now := ms.now()
	if q := ms.queue(consumerID); q != nil {
		q.expireAt = now.Add(ms.ttls.Queue)
	}
	if u := ms.user(userID); u != nil {
		u.expireAt = now.Add(ms.ttls.User)
	}
	return nil
}

func (ms *MemoryStore) AddUserConsumer(_ context.Context, userID, consumerID string) error {
	if consumerID == "" {
		return ErrEmptyConsumer
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}

	u := ms.user(userID)
	if u == nil {
		u = &memoryUser{consumers: make(map[string]struct{})}
		ms.users[userID] = u
	}
	u.consumers[consumerID] = struct{}{}
	u.expireAt = ms.now().Add(ms.ttls.User)
	return nil
}

func (ms *MemoryStore) RemoveUserConsumer(_ context.Context, userID, consumerID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}

	if u := ms.user(userID); u != nil {
		delete(u.consumers, consumerID)
		if len(u.consumers) == 0 {
			delete(ms.users, userID)
		}
	}
	return nil
}

func (ms *MemoryStore) PullMessages(_ context.Context, consumerID string, limit int) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}

	q := ms.queue(consumerID)
	if q == nil || len(q.messages) == 0 || limit <= 0 {
		return nil, nil
	}
	n := min(limit, len(q.messages))
	batch := make([]string, n)
	copy(batch, q.messages[:n])
	return batch, nil
}

func (ms *MemoryStore) AckMessages(_ context.Context, consumerID string, count int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}

	q := ms.queue(consumerID)
	if q == nil || count <= 0 {
		return nil
	}
	if count >= len(q.messages) {
		q.messages = nil
		return nil
	}
	q.messages = append([]string(nil), q.messages[count:]...)
	return nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}
