// Package connection keeps the live producer connections and consumer
// sessions of this process, and the socket helpers shared by both servers.
package connection

import (
	"sync"
)

// Registry maps ids to live connection objects. Ids are derived from
// credentials, so a reconnect with the same credential replaces the previous
// entry; removal is conditional on the entry still being the caller's object.
type Registry[T any] struct {
	mu    sync.Mutex
	items map[string]*T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]*T)}
}

// Put stores item under id and returns the entry it replaced, if any.
func (r *Registry[T]) Put(id string, item *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.items[id]
	r.items[id] = item
	if previous == item {
		return nil
	}
	return previous
}

func (r *Registry[T]) Get(id string) (*T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	return item, ok
}

// Holds reports whether id currently maps to item.
func (r *Registry[T]) Holds(id string, item *T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id] == item
}

// Remove deletes id only if it still maps to item.
func (r *Registry[T]) Remove(id string, item *T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.items[id]; !ok || current != item {
		return false
	}
	delete(r.items, id)
	return true
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Clear empties the registry and returns what it held.
func (r *Registry[T]) Clear() []*T {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]*T, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	r.items = make(map[string]*T)
	return items
}
