package server

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/auth"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/config"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/frame"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/jsonrpc"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/notify"
	"github.com/life-stream-dev/life-stream-go-snapper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "rpc-test-secret"

type fixture struct {
	server   *Server
	store    *store.MemoryStore
	verifier *auth.JWTVerifier
	addr     string

	mu    sync.Mutex
	woken []string
}

func newFixture(t *testing.T, opts Options) *fixture {
	st := store.NewMemoryStore(config.StoreTTLs{Queue: time.Hour, Weaken: time.Minute, User: time.Hour})
	notifier := notify.NewLocal()
	f := &fixture{
		store:    st,
		verifier: auth.NewJWTVerifier(testSecret, 0, 0),
	}
	require.NoError(t, notifier.Subscribe(context.Background(), func(ids []string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.woken = append(f.woken, ids...)
	}))
	f.server = NewServer(opts, f.verifier, st, notifier)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()

	served := make(chan error, 1)
	go func() { served <- f.server.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.server.Close(ctx)
		assert.NoError(t, <-served)
	})
	return f
}

func (f *fixture) token(t *testing.T, claims *auth.Claims) string {
	token, err := f.verifier.Sign(claims)
	require.NoError(t, err)
	return token
}

type client struct {
	t    *testing.T
	conn net.Conn
	dec  *frame.Decoder
}

func (f *fixture) dial(t *testing.T) *client {
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, dec: frame.NewDecoder(conn)}
}

func (c *client) send(text string) {
	_, err := c.conn.Write(frame.Encode(text))
	require.NoError(c.t, err)
}

func (c *client) recv() (frame.Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c.dec.Decode()
}

func (c *client) call(id int, method string, params interface{}) *jsonrpc.Message {
	data, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(c.t, err)
	c.send(string(data))
	f, err := c.recv()
	require.NoError(c.t, err)
	require.False(c.t, f.Err, "unexpected error frame %q", f.Text)
	msg := jsonrpc.Parse([]byte(f.Text))
	require.True(c.t, msg.IDEquals(uint64(id)), "response id %s", msg.ID)
	return msg
}

func (c *client) expectClosed() {
	_, err := c.recv()
	assert.Error(c.t, err)
}

func (c *client) auth(token string) string {
	msg := c.call(1, "auth", []string{token})
	require.Equal(c.t, jsonrpc.KindSuccess, msg.Kind, "auth failed: %+v", msg.Error)
	var result struct {
		ID string `json:"id"`
	}
	require.NoError(c.t, json.Unmarshal(msg.Result, &result))
	return result.ID
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AuthTimeout = 5 * time.Second
	return opts
}

func TestAuthAssignsDeterministicID(t *testing.T) {
	f := newFixture(t, testOptions())
	token := f.token(t, &auth.Claims{ProducerID: "p1"})

	first := f.dial(t)
	id := first.auth(token)
	assert.Equal(t, auth.ConnectionID(token), id)

	second := f.dial(t)
	assert.Equal(t, id, second.auth(token))
	assert.Equal(t, 1, f.server.Stats().Connections)

	registered, ok := f.server.clients.Get(id)
	require.True(t, ok)

	// closing the replaced socket keeps the newer registration
	require.NoError(t, first.conn.Close())
	assert.Eventually(t, func() bool {
		current, ok := f.server.clients.Get(id)
		return ok && current == registered
	}, time.Second, 10*time.Millisecond)
	second.call(2, "consumers", []string{"u1"})
}

func TestAuthWithoutProducerID(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)

	msg := c.call(1, "auth", []string{f.token(t, &auth.Claims{UserID: "0123456789abcdef01234567"})})
	require.Equal(t, jsonrpc.KindError, msg.Kind)
	assert.Equal(t, jsonrpc.CodeUnauthorized, msg.Error.Code)
	assert.Contains(t, msg.Error.Message, "producerId")
	c.expectClosed()
	assert.Equal(t, 0, f.server.Stats().Connections)
}

func TestAuthBadToken(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)

	msg := c.call(7, "auth", []string{"garbage"})
	require.Equal(t, jsonrpc.KindError, msg.Kind)
	assert.Equal(t, jsonrpc.CodeUnauthorized, msg.Error.Code)
	c.expectClosed()
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)

	request := `{"jsonrpc":"2.0","id":3,"method":"publish","params":[]}`
	c.send(request)
	fr, err := c.recv()
	require.NoError(t, err)
	msg := jsonrpc.Parse([]byte(fr.Text))
	require.Equal(t, jsonrpc.KindError, msg.Kind)
	assert.Equal(t, jsonrpc.CodeUnauthorized, msg.Error.Code)
	assert.Equal(t, "Unauthorized: "+request, msg.Error.Message)
	c.expectClosed()
}

func TestFirstFrameNotARequest(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)

	c.send("hello")
	fr, err := c.recv()
	require.NoError(t, err)
	assert.True(t, fr.Err)
	assert.Equal(t, "Error: Receive an unhandled message: hello", fr.Text)
	c.expectClosed()
}

func TestAuthTimeout(t *testing.T) {
	opts := testOptions()
	opts.AuthTimeout = 100 * time.Millisecond
	f := newFixture(t, opts)
	c := f.dial(t)
	c.expectClosed()
}

func TestPublishCountsValidPairs(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	require.NoError(t, f.store.AddConsumer(ctx, "c1"))
	_, err := f.store.JoinRoom(ctx, "roomA", "c1")
	require.NoError(t, err)

	c := f.dial(t)
	c.auth(f.token(t, &auth.Claims{ProducerID: "p1"}))

	msg := c.call(2, "publish", [][]string{{"roomA", "hello"}, {"", ""}})
	require.Equal(t, jsonrpc.KindSuccess, msg.Kind)
	assert.JSONEq(t, `1`, string(msg.Result))

	batch, err := f.store.PullMessages(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, batch)

	f.mu.Lock()
	assert.Equal(t, []string{"c1"}, f.woken)
	f.mu.Unlock()
	assert.Equal(t, int64(1), f.server.Stats().Messages)

	msg = c.call(3, "publish", []interface{}{[]interface{}{"roomA", 42}, "junk", []string{"roomA"}})
	require.Equal(t, jsonrpc.KindSuccess, msg.Kind)
	assert.JSONEq(t, `0`, string(msg.Result))

	msg = c.call(4, "publish", map[string]string{"roomA": "hello"})
	require.Equal(t, jsonrpc.KindError, msg.Kind)
	assert.Equal(t, jsonrpc.InvalidParams().Code, msg.Error.Code)

	// trailing elements of a pair are ignored
	msg = c.call(5, "publish", [][]string{{"roomA", "again", "extra"}})
	require.Equal(t, jsonrpc.KindSuccess, msg.Kind)
	assert.JSONEq(t, `1`, string(msg.Result))
	batch, err = f.store.PullMessages(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "again"}, batch)
}

func TestSubscribeAndConsumers(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	c := f.dial(t)
	c.auth(f.token(t, &auth.Claims{ProducerID: "p1"}))

	msg := c.call(2, "subscribe", []string{"roomA", "c1"})
	require.Equal(t, jsonrpc.KindSuccess, msg.Kind)
	assert.JSONEq(t, `1`, string(msg.Result))

	msg = c.call(3, "unsubscribe", []string{"roomA", "c1"})
	require.Equal(t, jsonrpc.KindSuccess, msg.Kind)
	assert.JSONEq(t, `1`, string(msg.Result))

	msg = c.call(4, "subscribe", []string{"roomA"})
	require.Equal(t, jsonrpc.KindError, msg.Kind)
	assert.Equal(t, jsonrpc.InvalidParams().Code, msg.Error.Code)

	msg = c.call(5, "consumers", []string{"u1"})
	require.Equal(t, jsonrpc.KindSuccess, msg.Kind)
	assert.JSONEq(t, `[]`, string(msg.Result))

	require.NoError(t, f.store.AddUserConsumer(ctx, "u1", "c1"))
	msg = c.call(6, "consumers", []string{"u1"})
	assert.JSONEq(t, `["c1"]`, string(msg.Result))

	msg = c.call(7, "consumers", []interface{}{1})
	require.Equal(t, jsonrpc.KindError, msg.Kind)
	assert.Equal(t, jsonrpc.InvalidParams().Code, msg.Error.Code)
}

func TestMethodNotFoundCountsAsInvalid(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)
	token := f.token(t, &auth.Claims{ProducerID: "p1"})
	id := c.auth(token)

	msg := c.call(2, "explode", []string{})
	require.Equal(t, jsonrpc.KindError, msg.Kind)
	assert.Equal(t, jsonrpc.MethodNotFound().Code, msg.Error.Code)

	handler, ok := f.server.clients.Get(id)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return handler.invalidRequests() == 1 }, time.Second, 10*time.Millisecond)

	// a successful publish earns the credit back
	c.call(3, "publish", [][]string{})
	assert.Equal(t, 0, handler.invalidRequests())
	c.call(4, "publish", [][]string{})
	assert.Equal(t, 0, handler.invalidRequests(), "never below zero")
}

func TestExcessiveInvalidRequestsClose(t *testing.T) {
	opts := testOptions()
	opts.MaxInvalidRequests = 3
	f := newFixture(t, opts)
	c := f.dial(t)
	id := c.auth(f.token(t, &auth.Claims{ProducerID: "p1"}))
	handler, ok := f.server.clients.Get(id)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		c.send(`{"jsonrpc":"2.0","method":"notify"}`)
	}
	c.call(2, "consumers", []string{"u1"})
	assert.Equal(t, 3, handler.invalidRequests(), "at the threshold the connection stays open")

	c.send(`not json`)
	fr, err := c.recv()
	require.NoError(t, err)
	assert.True(t, fr.Err)
	assert.Equal(t, "Error: excessive invalid requests", fr.Text)
	c.expectClosed()
}

func TestMalformedFrameCloses(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)
	c.auth(f.token(t, &auth.Claims{ProducerID: "p1"}))

	_, err := c.conn.Write([]byte("*3\r\n"))
	require.NoError(t, err)
	fr, err := c.recv()
	require.NoError(t, err)
	assert.True(t, fr.Err)
	c.expectClosed()
}

func TestCloseDestroysConnections(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)
	c.auth(f.token(t, &auth.Claims{ProducerID: "p1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Close(ctx))
	c.expectClosed()
	assert.Equal(t, 0, f.server.Stats().Connections)

	_, err := net.DialTimeout("tcp", f.addr, time.Second)
	assert.Error(t, err)
}

func TestPipelinedRequestsCorrelateByID(t *testing.T) {
	f := newFixture(t, testOptions())
	c := f.dial(t)
	c.auth(f.token(t, &auth.Claims{ProducerID: "p1"}))

	const n = 8
	for id := 10; id < 10+n; id++ {
		data, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0", "id": id, "method": "subscribe", "params": []string{"room", "c" + strconv.Itoa(id)},
		})
		require.NoError(t, err)
		c.send(string(data))
	}

	// responses are matched by id, not by arrival order
	answered := map[uint64]string{}
	for i := 0; i < n; i++ {
		fr, err := c.recv()
		require.NoError(t, err)
		require.False(t, fr.Err, "unexpected error frame %q", fr.Text)
		msg := jsonrpc.Parse([]byte(fr.Text))
		require.Equal(t, jsonrpc.KindSuccess, msg.Kind)
		var id uint64
		require.NoError(t, json.Unmarshal(msg.ID, &id))
		answered[id] = string(msg.Result)
	}
	require.Len(t, answered, n)
	for id := 10; id < 10+n; id++ {
		assert.Equal(t, "1", answered[uint64(id)], "response for id %d", id)
	}
}
