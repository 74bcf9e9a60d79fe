package tunnel

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnSet_RejectsAfterCloseAll(t *testing.T) {
	var s connSet
	s.closeAll()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var handled atomic.Bool
	served := make(chan struct{})
	go func() {
		defer close(served)
		s.serve(ln, func(net.Conn) { handled.Store(true) })
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, ln.Close())
	<-served
	assert.False(t, handled.Load())
	assert.Empty(t, s.conns)
}

func TestConnSet_CloseAllDropsTracked(t *testing.T) {
	var s connSet
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	entered := make(chan struct{})
	go s.serve(ln, func(conn net.Conn) {
		close(entered)
		_, _ = io.Copy(io.Discard, conn)
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	done := make(chan struct{})
	go func() {
		s.closeAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("closeAll did not wait for the handler to exit")
	}
}
