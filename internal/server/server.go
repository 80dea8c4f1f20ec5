// Package server implements the producer facing JSON-RPC server. Producers
// connect over TCP, authenticate with their first frame and then publish
// messages to rooms or manage room membership.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/connection"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/frame"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/notify"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/store"
)

type Options struct {
	MaxInvalidRequests int
	MaxConnections     int
	AuthTimeout        time.Duration
	MaxFrameSize       int
}

func DefaultOptions() Options {
	return Options{
		MaxInvalidRequests: 100,
		MaxConnections:     10000,
		AuthTimeout:        time.Minute,
		MaxFrameSize:       frame.MaxFrameSize,
	}
}

type Stats struct {
	Connections int   `json:"producerConnections"`
	Messages    int64 `json:"producerMessages"`
}

type Server struct {
	opts     Options
	verifier auth.Verifier
	store    store.Store
	notifier notify.Notifier
	clients  *connection.Registry[ConnectionHandler]
	sem      chan struct{}
	messages atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	active   map[*ConnectionHandler]struct{}
	closing  atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(opts Options, verifier auth.Verifier, st store.Store, notifier notify.Notifier) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultOptions().MaxConnections
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = frame.MaxFrameSize
	}
	return &Server{
		opts:     opts,
		verifier: verifier,
		store:    st,
		notifier: notifier,
		clients:  connection.NewRegistry[ConnectionHandler](),
		sem:      make(chan struct{}, opts.MaxConnections),
		active:   make(map[*ConnectionHandler]struct{}),
	}
}

// ListenAndServe listens on port and serves until Close.
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("rpc server listen error: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts producer connections on ln. It returns nil after Close and
// the accept error otherwise; an accept failure is fatal for the process.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	logger.InfoF("RPC Server Listen On %s", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			return fmt.Errorf("rpc server accept error: %w", err)
		}
		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
		}

		s.sem <- struct{}{}
		handler := newConnectionHandler(s, conn)
		if !s.track(handler) {
			<-s.sem
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handler.handleConnection()
			s.untrack(handler)
			<-s.sem
		}()
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(c *ConnectionHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.active[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c)
}

// Close destroys every producer connection, then closes the listener and
// waits for connection goroutines until ctx expires.
func (s *Server) Close(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	logger.Info("Shutting down rpc server")

	for _, c := range s.clients.Clear() {
		c.destroy()
	}
	metrics.ProducerConnections.Set(0)
	s.mu.Lock()
	for c := range s.active {
		c.destroy()
	}
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		if closeErr := ln.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Timed out waiting for producer connections to finish")
	}
	return err
}

func (s *Server) Stats() Stats {
	return Stats{Connections: s.clients.Len(), Messages: s.messages.Load()}
}
