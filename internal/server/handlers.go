package server

import (
	"context"
	"encoding/json"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/jsonrpc"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/metrics"
)

func (c *ConnectionHandler) dispatch(msg *jsonrpc.Message) (interface{}, error) {
	ctx := context.Background()
	switch msg.Method {
	case "publish":
		count, err := c.publish(ctx, msg)
		if err != nil {
			return nil, err
		}
		c.creditValid()
		return count, nil
	case "subscribe":
		room, consumerID, err := roomAndConsumer(msg)
		if err != nil {
			return nil, err
		}
		return c.server.store.JoinRoom(ctx, room, consumerID)
	case "unsubscribe":
		room, consumerID, err := roomAndConsumer(msg)
		if err != nil {
			return nil, err
		}
		return c.server.store.LeaveRoom(ctx, room, consumerID)
	case "consumers":
		params := stringParams(msg, 1)
		if params == nil {
			return nil, jsonrpc.InvalidParams()
		}
		return c.server.store.GetUserConsumers(ctx, params[0])
	default:
		return nil, jsonrpc.MethodNotFound()
	}
}

// publish broadcasts every [room, message] pair made of two non-empty strings
// and returns how many there were. Other entries are skipped silently.
func (c *ConnectionHandler) publish(ctx context.Context, msg *jsonrpc.Message) (int, error) {
	entries, ok := msg.ParamsArray()
	if !ok {
		return 0, jsonrpc.InvalidParams()
	}

	count := 0
	woken := make(map[string]struct{})
	for _, entry := range entries {
		// elements past the second are ignored
		var pair []json.RawMessage
		if err := json.Unmarshal(entry, &pair); err != nil || len(pair) < 2 {
			continue
		}
		room, roomOk := nonEmptyString(pair[0])
		message, msgOk := nonEmptyString(pair[1])
		if !roomOk || !msgOk {
			continue
		}

		count++
		receivers, err := c.server.store.BroadcastMessage(ctx, room, message)
		if err != nil {
			logger.ErrorF("[%s] Fail to broadcast to room %s, details: %v", c.connId, room, err)
			continue
		}
		for _, id := range receivers {
			woken[id] = struct{}{}
		}
	}

	metrics.ProducerMessages.Add(float64(count))
	c.server.messages.Add(int64(count))

	if len(woken) > 0 && c.server.notifier != nil {
		ids := make([]string, 0, len(woken))
		for id := range woken {
			ids = append(ids, id)
		}
		if err := c.server.notifier.Notify(ctx, ids...); err != nil {
			logger.WarnF("[%s] Fail to notify %d consumers, details: %v", c.connId, len(ids), err)
		}
	}
	return count, nil
}

func roomAndConsumer(msg *jsonrpc.Message) (string, string, error) {
	params := stringParams(msg, 2)
	if params == nil {
		return "", "", jsonrpc.InvalidParams()
	}
	return params[0], params[1], nil
}

// stringParams returns the first n params when they are all non-empty
// strings, nil otherwise.
func stringParams(msg *jsonrpc.Message, n int) []string {
	params, ok := msg.ParamsArray()
	if !ok || len(params) < n {
		return nil
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		s, ok := nonEmptyString(params[i])
		if !ok {
			return nil
		}
		out[i] = s
	}
	return out
}

func nonEmptyString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}
