package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/jsonrpc"
)

var (
	ErrDeliveryTimeout = errors.New("delivery timed out")
	ErrSessionClosed   = errors.New("session closed")
)

// DeliveryCommand is one push of a message batch to a consumer. It resolves
// exactly once: with the consumer's result, its error, a timeout or the
// session going away.
type DeliveryCommand struct {
	ID      uint64
	Payload []string
	data    []byte

	mu        sync.Mutex
	timer     *time.Timer
	once      sync.Once
	done      chan struct{}
	result    json.RawMessage
	err       error
	onResolve func(*DeliveryCommand)
}

func newDeliveryCommand(sessionID string, id uint64, payload []string, timeout time.Duration, onResolve func(*DeliveryCommand)) (*DeliveryCommand, error) {
	data, err := jsonrpc.NewRequest(id, "publish", payload)
	if err != nil {
		return nil, err
	}
	c := &DeliveryCommand{
		ID:        id,
		Payload:   payload,
		data:      data,
		done:      make(chan struct{}),
		onResolve: onResolve,
	}
	c.mu.Lock()
	c.timer = time.AfterFunc(timeout, func() {
		c.resolve(nil, fmt.Errorf("%w: session %s, rpc id %d", ErrDeliveryTimeout, sessionID, id))
	})
	c.mu.Unlock()
	return c, nil
}

// resolve settles the command and reports whether this call did it.
func (c *DeliveryCommand) resolve(result json.RawMessage, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.mu.Unlock()

		c.result, c.err = result, err
		resolved = true
		close(c.done)
		if c.onResolve != nil {
			c.onResolve(c)
		}
	})
	return resolved
}

func (c *DeliveryCommand) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the command is resolved.
func (c *DeliveryCommand) Result() (json.RawMessage, error) {
	<-c.done
	return c.result, c.err
}
