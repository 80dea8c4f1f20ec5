package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/jsonrpc"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "ws-test-secret"
	testUser   = "0123456789abcdef01234567"
)

type recordingStore struct {
	store.Store
	mu        sync.Mutex
	weakened  []string
	weakenErr error

	// when set, the next AckMessages signals ackEntered and waits for ackGate
	ackGate    chan struct{}
	ackEntered chan struct{}
}

func (r *recordingStore) WeakenConsumer(ctx context.Context, consumerID string) error {
	r.mu.Lock()
	r.weakened = append(r.weakened, consumerID)
	err := r.weakenErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Store.WeakenConsumer(ctx, consumerID)
}

func (r *recordingStore) AckMessages(ctx context.Context, consumerID string, count int) error {
	r.mu.Lock()
	gate, entered := r.ackGate, r.ackEntered
	r.ackGate = nil
	r.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	return r.Store.AckMessages(ctx, consumerID, count)
}

// holdNextAck makes the next AckMessages block until release is called.
func (r *recordingStore) holdNextAck() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{})
	r.mu.Lock()
	r.ackGate, r.ackEntered = gate, in
	r.mu.Unlock()
	return in, func() { close(gate) }
}

func (r *recordingStore) weakenedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.weakened...)
}

type fixture struct {
	gateway  *Server
	store    *recordingStore
	verifier *auth.JWTVerifier
	url      string
}

func newFixture(t *testing.T, tweaks ...func(*Options)) *fixture {
	st := &recordingStore{Store: store.NewMemoryStore(config.StoreTTLs{Queue: time.Hour, Weaken: time.Minute, User: time.Hour})}
	verifier := auth.NewJWTVerifier(testSecret, 0, 0)
	opts := DefaultOptions()
	opts.RetryInterval = time.Hour
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	gw := NewServer(opts, verifier, st)

	mux := http.NewServeMux()
	mux.Handle(gw.Path(), gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
		srv.Close()
	})
	return &fixture{
		gateway:  gw,
		store:    st,
		verifier: verifier,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + gw.Path(),
	}
}

func (f *fixture) token(t *testing.T, name string) string {
	token, err := f.verifier.Sign(&auth.Claims{UserID: testUser, Name: name})
	require.NoError(t, err)
	return token
}

func (f *fixture) dial(t *testing.T, token, cookie string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", cookie)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(f.url+"?token="+token, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// connect dials and waits until the session is fully opened.
func (f *fixture) connect(t *testing.T, token, cookie string) (*websocket.Conn, *Session) {
	before := f.gateway.accepted.Load()
	conn, _, err := f.dial(t, token, cookie)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.gateway.accepted.Load() > before }, 5*time.Second, 10*time.Millisecond)
	session, ok := f.gateway.sessions.Get(auth.SessionID(token))
	require.True(t, ok)
	return conn, session
}

// publish queues messages for the test user, then wakes the receivers once.
func (f *fixture) publish(t *testing.T, messages ...string) {
	var ids []string
	for _, message := range messages {
		var err error
		ids, err = f.store.BroadcastMessage(context.Background(), store.UserRoom(testUser), message)
		require.NoError(t, err)
	}
	f.gateway.Wake(ids)
}

func (f *fixture) queued(t *testing.T, id string) []string {
	batch, err := f.store.PullMessages(context.Background(), id, 100)
	require.NoError(t, err)
	return batch
}

func read(t *testing.T, conn *websocket.Conn) *jsonrpc.Message {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return jsonrpc.Parse(data)
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandshakeRejectsInvalidTokens(t *testing.T) {
	f := newFixture(t)

	_, resp, err := f.dial(t, "garbage", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	producerToken, err := f.verifier.Sign(&auth.Claims{ProducerID: "p1"})
	require.NoError(t, err)
	_, resp, err = f.dial(t, producerToken, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	badUser, err := f.verifier.Sign(&auth.Claims{UserID: "ABCDEF0123456789abcdef01"})
	require.NoError(t, err)
	_, resp, err = f.dial(t, badUser, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshakeSetsSessionCookie(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "phone")

	_, resp, err := f.dial(t, token, "")
	require.NoError(t, err)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "snapper.ws" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, auth.SessionID(token), cookie.Value)
	assert.Equal(t, "/", cookie.Path)
	assert.True(t, cookie.HttpOnly)
}

func TestOpenRegistersConsumer(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "phone")
	_, session := f.connect(t, token, "")

	assert.Equal(t, testUser, session.UserID)
	assert.Empty(t, session.PreviousID)
	consumers, err := f.store.GetUserConsumers(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, []string{session.ID}, consumers)
	assert.Equal(t, 1, f.gateway.Stats().Consumers)
}

func TestReconnectWeakensPreviousSession(t *testing.T) {
	f := newFixture(t)
	first := f.token(t, "phone")
	firstID := auth.SessionID(first)
	conn, _ := f.connect(t, first, "")
	require.NoError(t, conn.Close())

	second := f.token(t, "laptop")
	_, session := f.connect(t, second, "other=1; snapper.ws="+firstID)
	assert.Equal(t, firstID, session.PreviousID)
	assert.Equal(t, []string{firstID}, f.store.weakenedIDs())

	// a cookie carrying our own id is not a previous session
	_, session = f.connect(t, f.token(t, "tablet"), "snapper.ws="+auth.SessionID(f.token(t, "tablet")))
	assert.Empty(t, session.PreviousID)
	assert.Len(t, f.store.weakenedIDs(), 1)
}

func TestSameTokenReplacesSession(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "phone")
	oldConn, oldSession := f.connect(t, token, "")
	_, newSession := f.connect(t, token, "")

	expectClosed(t, oldConn)
	assert.NotSame(t, oldSession, newSession)
	current, ok := f.gateway.sessions.Get(auth.SessionID(token))
	require.True(t, ok)
	assert.Same(t, newSession, current)

	// the replaced session must not drop the live one from the user's set
	time.Sleep(50 * time.Millisecond)
	consumers, err := f.store.GetUserConsumers(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, []string{newSession.ID}, consumers)
}

func TestDeliveryAcknowledged(t *testing.T) {
	f := newFixture(t)
	conn, session := f.connect(t, f.token(t, "phone"), "")
	session.pendingMu.Lock()
	session.sequence = 6
	session.pendingMu.Unlock()

	f.publish(t, "m1", "m2", "m3")
	msg := read(t, conn)
	require.Equal(t, jsonrpc.KindRequest, msg.Kind)
	assert.Equal(t, "publish", msg.Method)
	assert.True(t, msg.IDEquals(7))
	assert.JSONEq(t, `["m1","m2","m3"]`, string(msg.Params))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"result":"ok"}`)))
	assert.Eventually(t, func() bool {
		return len(f.queued(t, session.ID)) == 0 && session.pendingCommand() == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeliveryErrorKeepsBatch(t *testing.T) {
	f := newFixture(t)
	conn, session := f.connect(t, f.token(t, "phone"), "")

	f.publish(t, "hello")
	msg := read(t, conn)
	require.True(t, msg.IDEquals(1))

	// a stray id is ignored
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":99,"result":"ok"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"error":{"code":1,"message":"busy"}}`)))
	assert.Eventually(t, func() bool { return session.pendingCommand() == nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, f.queued(t, session.ID))

	f.gateway.Wake([]string{session.ID})
	msg = read(t, conn)
	require.True(t, msg.IDEquals(2))
	assert.JSONEq(t, `["hello"]`, string(msg.Params))
}

func TestRequestsAreEchoed(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, f.token(t, "phone"), "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":42,"method":"ping","params":{"x":1}}`)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":42,"result":{"x":1}}`, string(data))
}

func TestHeartbeatIsAnswered(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, f.token(t, "phone"), "")

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)))
	select {
	case data := <-pong:
		assert.Equal(t, "hb", data)
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestHeartbeatOnStaleSessionCloses(t *testing.T) {
	f := newFixture(t)
	conn, session := f.connect(t, f.token(t, "phone"), "")
	require.True(t, f.gateway.sessions.Remove(session.ID, session))

	require.NoError(t, conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)))
	expectClosed(t, conn)
}

func TestCloseEndsSessions(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.connect(t, f.token(t, "phone"), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.gateway.Close(ctx))
	expectClosed(t, conn)
	assert.Equal(t, 0, f.gateway.Stats().Consumers)

	consumers, err := f.store.GetUserConsumers(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, consumers)
}

func TestDeliveryTimeoutKeepsBatch(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DeliveryTimeout = 100 * time.Millisecond })
	conn, session := f.connect(t, f.token(t, "phone"), "")

	f.publish(t, "hello")
	msg := read(t, conn)
	require.True(t, msg.IDEquals(1))

	// no ack: the command times out and frees the slot
	assert.Eventually(t, func() bool { return session.pendingCommand() == nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, f.queued(t, session.ID))

	f.gateway.Wake([]string{session.ID})
	msg = read(t, conn)
	require.True(t, msg.IDEquals(2))
	assert.JSONEq(t, `["hello"]`, string(msg.Params))

	// a late ack for the timed out id changes nothing
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"result":"ok"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"result":"ok"}`)))
	assert.Eventually(t, func() bool { return len(f.queued(t, session.ID)) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestReplaceWaitsForInflightAck(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "phone")
	oldConn, oldSession := f.connect(t, token, "")

	f.publish(t, "m1")
	msg := read(t, oldConn)
	require.True(t, msg.IDEquals(1))

	entered, release := f.store.holdNextAck()
	require.NoError(t, oldConn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"result":"ok"}`)))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("ack never reached the store")
	}

	before := f.gateway.accepted.Load()
	newConn, _, err := f.dial(t, token, "")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, f.gateway.accepted.Load(), "the new session must wait for the old delivery loop")

	release()
	require.Eventually(t, func() bool { return f.gateway.accepted.Load() > before }, 5*time.Second, 10*time.Millisecond)
	expectClosed(t, oldConn)
	assert.Empty(t, f.queued(t, oldSession.ID), "the acknowledged batch is trimmed once")

	// m1 is not pushed again and later messages still arrive
	f.publish(t, "m2")
	msg = read(t, newConn)
	require.True(t, msg.IDEquals(1))
	assert.JSONEq(t, `["m2"]`, string(msg.Params))
	require.NoError(t, newConn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"result":"ok"}`)))
	assert.Eventually(t, func() bool { return len(f.queued(t, oldSession.ID)) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDataMessagesKeepSessionAlive(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HeartbeatTimeout = 300 * time.Millisecond })
	conn, _ := f.connect(t, f.token(t, "phone"), "")

	// no pings, only requests, for well past the heartbeat timeout
	for i := 1; i <= 10; i++ {
		time.Sleep(100 * time.Millisecond)
		req := fmt.Sprintf(`{"id":%d,"method":"ping","params":[]}`, i)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(req)), "request %d", i)
		msg := read(t, conn)
		require.True(t, msg.IDEquals(uint64(i)), "echo %d", i)
	}

	// silence past the timeout still closes the session
	expectClosed(t, conn)
}

func TestWeakenFailureDoesNotBlockSession(t *testing.T) {
	f := newFixture(t)
	f.store.weakenErr = errors.New("store unavailable")

	previousID := auth.SessionID(f.token(t, "laptop"))
	conn, session := f.connect(t, f.token(t, "phone"), "snapper.ws="+previousID)
	assert.Equal(t, previousID, session.PreviousID)
	assert.Equal(t, []string{previousID}, f.store.weakenedIDs())

	f.publish(t, "hello")
	msg := read(t, conn)
	require.True(t, msg.IDEquals(1))
	assert.JSONEq(t, `["hello"]`, string(msg.Params))
}
