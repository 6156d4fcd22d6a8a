package socket

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestSocketExchangesFrames(t *testing.T) {
	ln, port := listen(t)
	tr := New(Options{Port: port, DialTimeout: time.Second, QueueSize: 8}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	frames := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- tr.Listen(context.Background(), func(_ context.Context, frame []byte) {
			frames <- string(frame)
		})
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	_, err = conn.Write([]byte("{\"page_id\":1}\x03\x03{\"page_id\":2}\x03"))
	require.NoError(t, err)

	for _, want := range []string{`{"page_id":1}`, `{"page_id":2}`} {
		select {
		case got := <-frames:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}

	require.NoError(t, tr.Send(context.Background(), []byte(`{"reply":true}`)))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString(0x03)
	require.NoError(t, err)
	assert.Equal(t, "{\"reply\":true}\x03", line)

	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after hang-up")
	}
}

func TestSocketCloseFlushesQueue(t *testing.T) {
	ln, port := listen(t)
	tr := New(Options{Port: port, QueueSize: 8}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- tr.Listen(context.Background(), func(context.Context, []byte) {}) }()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, tr.Send(context.Background(), []byte(`{"last":1}`)))
	require.NoError(t, tr.Close())

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "{\"last\":1}\x03", string(data))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after close")
	}
}

func TestSocketDialFailure(t *testing.T) {
	ln, port := listen(t)
	require.NoError(t, ln.Close())
	tr := New(Options{Port: port, DialTimeout: 200 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, tr.Listen(context.Background(), func(context.Context, []byte) {}))
	assert.Equal(t, "socket", tr.Name())
}
