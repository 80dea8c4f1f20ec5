package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/connection"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/jsonrpc"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait        = 10 * time.Second
	operationTimeout = 10 * time.Second
)

var errStaleSession = errors.New("session is no longer registered")

// Session is one consumer websocket.
type Session struct {
	ID     string
	UserID string
	// PreviousID is the session id found in the cookie, empty when none or
	// equal to ID.
	PreviousID string

	server *Server
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	sequence  uint64
	pending   *DeliveryCommand

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	loopDone  chan struct{}
}

func newSession(s *Server, conn *websocket.Conn, id, userID, previousID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		UserID:     userID,
		PreviousID: previousID,
		server:     s,
		conn:       conn,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}
}

func (s *Session) serve() {
	defer s.teardown()
	if err := s.open(); err != nil {
		logger.ErrorF("[%s] Fail to open consumer session, details: %v", s.ID, err)
		close(s.loopDone)
		return
	}
	go s.deliverLoop()
	s.readLoop()
}

// open registers the session and prepares its queue and memberships.
func (s *Session) open() error {
	if previous := s.server.sessions.Put(s.ID, s); previous != nil {
		logger.InfoF("[%s] Consumer reconnected, closing previous socket", s.ID)
		previous.close()
		// both sessions share one queue; the old loop may still be acking
		select {
		case <-previous.loopDone:
		case <-time.After(operationTimeout):
			logger.WarnF("[%s] Previous delivery loop did not stop in %s", s.ID, operationTimeout)
		}
	}
	if s.server.closing.Load() {
		return ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(s.ctx, operationTimeout)
	defer cancel()

	if s.PreviousID != "" {
		// a live previous session refreshes its own retention on heartbeat
		if err := s.server.store.WeakenConsumer(ctx, s.PreviousID); err != nil {
			logger.WarnF("[%s] Fail to weaken previous consumer %s, details: %v", s.ID, s.PreviousID, err)
		}
	}
	if err := s.server.store.AddConsumer(ctx, s.ID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.server.store.JoinRoom(gctx, store.UserRoom(s.UserID), s.ID)
		return err
	})
	g.Go(func() error {
		return s.server.store.AddUserConsumer(gctx, s.UserID, s.ID)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.server.accepted.Add(1)
	metrics.ConsumersTotal.Inc()
	metrics.Consumers.Set(float64(s.server.sessions.Len()))
	logger.InfoF("[%s] Consumer connected, user %s", s.ID, s.UserID)
	return nil
}

func (s *Session) readLoop() {
	if s.server.opts.ReadLimit > 0 {
		s.conn.SetReadLimit(s.server.opts.ReadLimit)
	}
	s.extendReadDeadline()
	s.conn.SetPingHandler(s.handlePing)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.DebugF("[%s] Consumer closed the websocket", s.ID)
			case errors.Is(err, errStaleSession):
				logger.DebugF("[%s] Heartbeat on a stale session, closing", s.ID)
			default:
				connection.HandleReadError(s.ID, err)
			}
			return
		}
		s.extendReadDeadline()
		s.handleMessage(data)
	}
}

// handlePing runs on the read goroutine for every ping control frame.
func (s *Session) handlePing(appData string) error {
	if !s.server.sessions.Holds(s.ID, s) {
		return errStaleSession
	}

	ctx, cancel := context.WithTimeout(s.ctx, operationTimeout)
	err := s.server.store.UpdateConsumer(ctx, s.UserID, s.ID)
	cancel()
	if err != nil {
		logger.WarnF("[%s] Fail to refresh consumer, details: %v", s.ID, err)
	}

	s.extendReadDeadline()
	err = s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

func (s *Session) extendReadDeadline() {
	if timeout := s.server.opts.HeartbeatTimeout; timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

func (s *Session) handleMessage(data []byte) {
	msg := jsonrpc.Parse(data)
	switch msg.Kind {
	case jsonrpc.KindRequest:
		reply, err := jsonrpc.NewSuccess(msg.ID, msg.Params)
		if err != nil {
			logger.WarnF("[%s] Fail to encode echo, details: %v", s.ID, err)
			return
		}
		_ = s.write(reply)
	case jsonrpc.KindSuccess:
		if cmd := s.pendingFor(msg); cmd != nil {
			cmd.resolve(msg.Result, nil)
		}
	case jsonrpc.KindError:
		if cmd := s.pendingFor(msg); cmd != nil {
			cmd.resolve(nil, msg.Error)
		}
	default:
		logger.DebugF("[%s] Ignore %s message from consumer", s.ID, msg.Kind)
	}
}

func (s *Session) pendingFor(msg *jsonrpc.Message) *DeliveryCommand {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil || !msg.IDEquals(s.pending.ID) {
		return nil
	}
	return s.pending
}

// startDelivery pushes batch as a new command. Only one command may be in
// flight per session; starting another is a programming error.
func (s *Session) startDelivery(batch []string) (*DeliveryCommand, error) {
	s.pendingMu.Lock()
	if s.pending != nil {
		s.pendingMu.Unlock()
		panic("gateway: delivery already pending for session " + s.ID)
	}
	s.sequence++
	cmd, err := newDeliveryCommand(s.ID, s.sequence, batch, s.server.opts.DeliveryTimeout, s.clearPending)
	if err != nil {
		s.pendingMu.Unlock()
		return nil, err
	}
	s.pending = cmd
	s.pendingMu.Unlock()

	if s.ctx.Err() != nil {
		cmd.resolve(nil, ErrSessionClosed)
		return cmd, nil
	}
	if err := s.write(cmd.data); err != nil {
		cmd.resolve(nil, err)
	}
	return cmd, nil
}

func (s *Session) clearPending(cmd *DeliveryCommand) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == cmd {
		s.pending = nil
	}
}

func (s *Session) pendingCommand() *DeliveryCommand {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending
}

// notify wakes the delivery loop without blocking.
func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) deliverLoop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.server.opts.RetryInterval)
	defer ticker.Stop()

	for {
		if s.deliver() {
			continue
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// deliver pushes the head of the queue and reports whether a batch was
// acknowledged, in which case the caller pulls again right away.
func (s *Session) deliver() bool {
	batch, err := s.pull()
	if err != nil || len(batch) == 0 {
		return false
	}

	cmd, err := s.startDelivery(batch)
	if err != nil {
		logger.ErrorF("[%s] Fail to build delivery, details: %v", s.ID, err)
		return false
	}
	if _, err := cmd.Result(); err != nil {
		result := metrics.DeliveryFailed
		switch {
		case errors.Is(err, ErrDeliveryTimeout):
			result = metrics.DeliveryTimeout
		case errors.Is(err, ErrSessionClosed):
			result = metrics.DeliveryClosed
		}
		metrics.Deliveries.WithLabelValues(result).Inc()
		logger.WarnF("[%s] Delivery %d of %d messages failed, details: %v", s.ID, cmd.ID, len(batch), err)
		return false
	}
	metrics.Deliveries.WithLabelValues(metrics.DeliveryAcked).Inc()

	// the consumer has the batch, trim it even if the session is closing
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := s.server.store.AckMessages(ctx, s.ID, len(batch)); err != nil {
		logger.ErrorF("[%s] Fail to ack %d messages, details: %v", s.ID, len(batch), err)
		return false
	}
	return s.ctx.Err() == nil
}

// pull peeks the next batch, retrying store failures with exponential
// backoff until the session closes.
func (s *Session) pull() ([]string, error) {
	var batch []string
	operation := func() error {
		ctx, cancel := context.WithTimeout(s.ctx, operationTimeout)
		defer cancel()
		var err error
		batch, err = s.server.store.PullMessages(ctx, s.ID, s.server.opts.BatchSize)
		if errors.Is(err, store.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(operation, backoff.WithContext(b, s.ctx), func(err error, wait time.Duration) {
		logger.WarnF("[%s] Fail to pull messages, retry in %s, details: %v", s.ID, wait, err)
	})
	return batch, err
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if connection.IsConnReset(err) || connection.IsNetClosedError(err) || errors.Is(err, websocket.ErrCloseSent) {
			logger.DebugF("[%s] Fail to send data, details: %v", s.ID, err)
		} else {
			logger.ErrorF("[%s] Fail to send data, details: %v", s.ID, err)
		}
		s.close()
		return err
	}
	logger.DebugF("[%s] Send %d bytes to consumer", s.ID, len(data))
	return nil
}

// close tears the transport down and fails the pending delivery. Safe to
// call from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing websocket, details: %v", s.ID, err)
		}
		if cmd := s.pendingCommand(); cmd != nil {
			cmd.resolve(nil, ErrSessionClosed)
		}
	})
}

func (s *Session) teardown() {
	s.close()
	<-s.loopDone

	current := s.server.sessions.Remove(s.ID, s)
	if current || s.server.closing.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		if err := s.server.store.RemoveUserConsumer(ctx, s.UserID, s.ID); err != nil {
			logger.WarnF("[%s] Fail to remove user consumer, details: %v", s.ID, err)
		}
		cancel()
	}
	metrics.Consumers.Set(float64(s.server.sessions.Len()))
	logger.DebugF("[%s] Consumer disconnected", s.ID)
}
