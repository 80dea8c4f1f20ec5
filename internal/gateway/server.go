// Package gateway serves consumer websockets. Each session owns a queue in
// the store, joins its user's room and receives queued messages through a
// pull loop that keeps at most one delivery in flight.
package gateway

import (
	"context"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/connection"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/store"
)

type Options struct {
	Path             string
	Cookie           string
	HeartbeatTimeout time.Duration
	DeliveryTimeout  time.Duration
	RetryInterval    time.Duration
	BatchSize        int
	ReadLimit        int64
}

func DefaultOptions() Options {
	return Options{
		Path:             "/websocket",
		Cookie:           "snapper.ws",
		HeartbeatTimeout: 85 * time.Second,
		DeliveryTimeout:  100 * time.Second,
		RetryInterval:    5 * time.Second,
		BatchSize:        100,
		ReadLimit:        1 << 20,
	}
}

type Stats struct {
	Consumers      int   `json:"consumers"`
	ConsumersTotal int64 `json:"consumersTotal"`
}

type Server struct {
	opts     Options
	verifier auth.Verifier
	store    store.Store
	sessions *connection.Registry[Session]
	upgrader websocket.Upgrader
	cookieRe *regexp.Regexp
	accepted atomic.Int64
	closing  atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(opts Options, verifier auth.Verifier, st store.Store) *Server {
	defaults := DefaultOptions()
	if opts.Path == "" {
		opts.Path = defaults.Path
	}
	if opts.Cookie == "" {
		opts.Cookie = defaults.Cookie
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaults.RetryInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	return &Server{
		opts:     opts,
		verifier: verifier,
		store:    st,
		sessions: connection.NewRegistry[Session](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cookieRe: regexp.MustCompile(regexp.QuoteMeta(opts.Cookie) + `=([0-9a-zA-Z~_-]{24})`),
	}
}

func (s *Server) Path() string {
	return s.opts.Path
}

// ServeHTTP authenticates the handshake, upgrades the connection and serves
// the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	claims, err := auth.ConsumerClaims(s.verifier, token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("consumer", "invalid_token").Inc()
		logger.DebugF("Handshake from %s unauthorized: %v", r.RemoteAddr, err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	id := auth.SessionID(token)
	previousID := s.previousSessionID(r, id)
	header := http.Header{}
	header.Add("Set-Cookie", (&http.Cookie{Name: s.opts.Cookie, Value: id, Path: "/", HttpOnly: true}).String())

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		logger.WarnF("[%s] WebSocket upgrade failed: %v", id, err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	newSession(s, conn, id, claims.UserID, previousID).serve()
}

func (s *Server) previousSessionID(r *http.Request, id string) string {
	match := s.cookieRe.FindStringSubmatch(r.Header.Get("Cookie"))
	if match == nil || match[1] == id {
		return ""
	}
	return match[1]
}

// Wake nudges the delivery loops of the given sessions that live on this
// process. It is the notifier's handler.
func (s *Server) Wake(ids []string) {
	for _, id := range ids {
		if session, ok := s.sessions.Get(id); ok {
			session.notify()
		}
	}
}

// Close closes every session and waits for their teardown until ctx expires.
func (s *Server) Close(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	logger.Info("Shutting down websocket gateway")
	for _, session := range s.sessions.Clear() {
		session.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn("Timed out waiting for consumer sessions to finish")
		return ctx.Err()
	}
}

func (s *Server) Stats() Stats {
	return Stats{Consumers: s.sessions.Len(), ConsumersTotal: s.accepted.Load()}
}
