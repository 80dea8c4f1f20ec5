package notify

import (
	"context"
	"sync"
)

// Local delivers notifications in process. Suitable for a single gateway.
type Local struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Notify(_ context.Context, consumerIDs ...string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if l.handler != nil && len(consumerIDs) > 0 {
		l.handler(consumerIDs)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.handler = handler
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handler = nil
	return nil
}
