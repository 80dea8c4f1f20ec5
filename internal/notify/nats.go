package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/nats-io/nats.go"
)

// Nats publishes notifications on a core NATS subject.
type Nats struct {
	conn    *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNats(url, subject string) (*Nats, error) {
	opts := []nats.Option{
		nats.Name("snapper"),
		nats.Timeout(10 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WarnF("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.InfoF("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Nats{conn: nc, subject: subject}, nil
}

func (n *Nats) Notify(_ context.Context, consumerIDs ...string) error {
	if len(consumerIDs) == 0 {
		return nil
	}
	data, err := encode(consumerIDs)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (n *Nats) Subscribe(_ context.Context, handler Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn.IsClosed() {
		return ErrClosed
	}
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}

	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		if ids, ok := decode(msg.Data); ok {
			handler(ids)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	n.sub = sub
	return n.conn.Flush()
}

func (n *Nats) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn.IsClosed() {
		return nil
	}
	n.sub = nil
	return n.conn.Drain()
}
