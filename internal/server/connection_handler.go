package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/connection"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/frame"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/jsonrpc"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/metrics"
)

var ErrExcessiveInvalidRequests = errors.New("excessive invalid requests")

// ConnectionHandler serves one producer socket.
type ConnectionHandler struct {
	server  *Server
	conn    net.Conn
	decoder *frame.Decoder
	// remote address until authenticated, then the connection id
	connId     string
	producerId string

	writeMu sync.Mutex

	invalidMu    sync.Mutex
	invalidCount int

	registered bool
	closeOnce  sync.Once
	requests   sync.WaitGroup
}

func newConnectionHandler(s *Server, conn net.Conn) *ConnectionHandler {
	decoder := frame.NewDecoder(conn)
	decoder.SetMaxSize(s.opts.MaxFrameSize)
	return &ConnectionHandler{
		server:  s,
		conn:    conn,
		decoder: decoder,
		connId:  conn.RemoteAddr().String(),
	}
}

func (c *ConnectionHandler) handleConnection() {
	defer func() {
		c.destroy()
		c.requests.Wait()
		if c.registered && c.server.clients.Remove(c.connId, c) {
			metrics.ProducerConnections.Set(float64(c.server.clients.Len()))
		}
		logger.DebugF("[%s] Connection closed", c.connId)
	}()

	if err := c.handleFirstFrame(); err != nil {
		return
	}
	c.handleFrames()
}

// handleFirstFrame authenticates the connection. Any failure is answered and
// returned; the caller then closes the socket.
func (c *ConnectionHandler) handleFirstFrame() error {
	if c.server.opts.AuthTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.server.opts.AuthTimeout))
	}
	f, err := c.decoder.Decode()
	if err != nil {
		logger.WarnF("[%s] Fail to read first frame, details: %v", c.connId, err)
		return err
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	msg := jsonrpc.Parse([]byte(f.Text))
	if f.Err || msg.Kind != jsonrpc.KindRequest {
		err := fmt.Errorf("Receive an unhandled message: %s", f.Text)
		logger.WarnF("[%s] %v", c.connId, err)
		_ = c.write(frame.EncodeError(err))
		return err
	}

	if msg.Method != "auth" {
		metrics.AuthFailures.WithLabelValues("producer", "unauthorized").Inc()
		rpcErr := jsonrpc.NewError(jsonrpc.CodeUnauthorized, "Unauthorized: "+f.Text)
		c.respondError(msg.ID, rpcErr)
		return rpcErr
	}

	token := firstStringParam(msg)
	claims, err := auth.ProducerClaims(c.server.verifier, token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("producer", authFailureReason(err)).Inc()
		logger.WarnF("[%s] Producer authentication failed: %v", c.connId, err)
		c.respondError(msg.ID, jsonrpc.NewError(jsonrpc.CodeUnauthorized, err.Error()))
		return err
	}

	remote := c.connId
	c.connId = auth.ConnectionID(token)
	c.producerId = claims.ProducerID
	if previous := c.server.clients.Put(c.connId, c); previous != nil {
		logger.InfoF("[%s] Producer %s reconnected from %s, replacing previous socket", c.connId, c.producerId, remote)
	}
	c.registered = true
	metrics.ProducerConnections.Set(float64(c.server.clients.Len()))
	logger.InfoF("[%s] Producer %s authenticated from %s", c.connId, c.producerId, remote)

	c.respond(msg.ID, map[string]string{"id": c.connId})
	return nil
}

func (c *ConnectionHandler) handleFrames() {
	for {
		f, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, frame.ErrMalformedFrame) || errors.Is(err, frame.ErrFrameTooLarge) {
				logger.WarnF("[%s] Protocol error, details: %v", c.connId, err)
				_ = c.write(frame.EncodeError(err))
				return
			}
			connection.HandleReadError(c.connId, err)
			return
		}

		msg := jsonrpc.Parse([]byte(f.Text))
		if f.Err || msg.Kind != jsonrpc.KindRequest {
			logger.WarnF("[%s] Receive an unhandled message: %s", c.connId, f.Text)
			if c.addInvalid() {
				return
			}
			continue
		}

		logger.DebugF("[%s] Receive %s request, id %s", c.connId, msg.Method, msg.ID)
		c.requests.Add(1)
		go func(msg *jsonrpc.Message) {
			defer c.requests.Done()
			c.handleRequest(msg)
		}(msg)
	}
}

func (c *ConnectionHandler) handleRequest(msg *jsonrpc.Message) {
	result, err := c.dispatch(msg)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = jsonrpc.NewError(jsonrpc.CodeServerError, err.Error())
		}
		c.respondError(msg.ID, rpcErr)
		if rpcErr.Code == jsonrpc.MethodNotFound().Code {
			c.addInvalid()
		}
		return
	}
	if result == nil {
		result = "OK"
	}
	c.respond(msg.ID, result)
}

// addInvalid counts a misbehaving request. Past the threshold the connection
// gets a final error frame and is closed; the return value reports that.
func (c *ConnectionHandler) addInvalid() bool {
	metrics.ProducerInvalidRequests.Inc()
	c.invalidMu.Lock()
	c.invalidCount++
	exceeded := c.invalidCount > c.server.opts.MaxInvalidRequests
	c.invalidMu.Unlock()

	if exceeded {
		logger.WarnF("[%s] Closing producer %s: %v", c.connId, c.producerId, ErrExcessiveInvalidRequests)
		_ = c.write(frame.EncodeError(ErrExcessiveInvalidRequests))
		c.destroy()
	}
	return exceeded
}

// creditValid rewards a well formed publish.
func (c *ConnectionHandler) creditValid() {
	c.invalidMu.Lock()
	defer c.invalidMu.Unlock()
	if c.invalidCount > 0 {
		c.invalidCount--
	}
}

func (c *ConnectionHandler) invalidRequests() int {
	c.invalidMu.Lock()
	defer c.invalidMu.Unlock()
	return c.invalidCount
}

func (c *ConnectionHandler) respond(id json.RawMessage, result interface{}) {
	data, err := jsonrpc.NewSuccess(id, result)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode response, details: %v", c.connId, err)
		data, _ = jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeServerError, err.Error()))
	}
	_ = c.write(frame.Encode(string(data)))
}

func (c *ConnectionHandler) respondError(id json.RawMessage, rpcErr *jsonrpc.Error) {
	data, err := jsonrpc.NewErrorResponse(id, rpcErr)
	if err != nil {
		logger.ErrorF("[%s] Fail to encode error response, details: %v", c.connId, err)
		return
	}
	_ = c.write(frame.Encode(string(data)))
}

func (c *ConnectionHandler) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := connection.Send(c.conn, data, c.connId); err != nil {
		c.destroy()
		return err
	}
	return nil
}

// destroy closes the socket. Safe to call from any goroutine, any number of times.
func (c *ConnectionHandler) destroy() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connId, err)
		}
	})
}

func firstStringParam(msg *jsonrpc.Message) string {
	params, ok := msg.ParamsArray()
	if !ok || len(params) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(params[0], &s); err != nil {
		return ""
	}
	return s
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingProducerID):
		return "missing_producer_id"
	case errors.Is(err, auth.ErrEmptyToken):
		return "empty_token"
	default:
		return "invalid_token"
	}
}
