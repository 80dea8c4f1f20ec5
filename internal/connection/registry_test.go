package connection

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn struct{ name string }

func TestRegistryReplaceKeepsNewerEntry(t *testing.T) {
	r := NewRegistry[conn]()
	first := &conn{"first"}
	second := &conn{"second"}

	assert.Nil(t, r.Put("id", first))
	assert.Same(t, first, r.Put("id", second))
	assert.Nil(t, r.Put("id", second), "re-putting the same object replaces nothing")

	// the older socket closing must not evict the newer one
	assert.False(t, r.Remove("id", first))
	got, ok := r.Get("id")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.True(t, r.Holds("id", second))
	assert.False(t, r.Holds("id", first))

	assert.True(t, r.Remove("id", second))
	_, ok = r.Get("id")
	assert.False(t, ok)
	assert.False(t, r.Remove("missing", first))
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry[conn]()
	for i := 0; i < 3; i++ {
		r.Put(fmt.Sprint(i), &conn{fmt.Sprint(i)})
	}
	assert.Equal(t, 3, r.Len())
	assert.Len(t, r.Clear(), 3)
	assert.Equal(t, 0, r.Len())
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestSend(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, []byte("hello"), "test"))
	assert.Equal(t, "hello", buf.String())

	err := Send(failingWriter{syscall.ECONNRESET}, []byte("x"), "test")
	assert.True(t, IsConnReset(err))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsConnReset(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
	assert.False(t, IsConnReset(io.EOF))
	assert.True(t, IsNetClosedError(fmt.Errorf("wrapped: %w", net.ErrClosed)))
	assert.False(t, IsNetClosedError(errors.New("other")))
}
