package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/outfox/internal/config"
	"github.com/loqalabs/outfox/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	PageID json.RawMessage `json:"page_id"`
	Cmd    map[string]any  `json:"cmd"`
}

type peer struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

func (p *peer) send(frame string) {
	p.t.Helper()
	_, err := p.conn.Write(append([]byte(frame), protocol.DefaultDelimiter))
	require.NoError(p.t, err)
}

func (p *peer) next() response {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := p.dec.Next()
	require.NoError(p.t, err)
	var r response
	require.NoError(p.t, json.Unmarshal(frame, &r))
	return r
}

func (p *peer) until(action string) response {
	p.t.Helper()
	for {
		r := p.next()
		if r.Cmd["action"] == action {
			return r
		}
	}
}

func testConfig(port int) config.Config {
	cfg := config.Default()
	cfg.Service.Port = port
	cfg.HTTP.Enabled = false
	cfg.Service.TickMS = 10
	cfg.Driver.MockWordMS = 1
	cfg.Driver.MockPlayMS = 1
	return cfg
}

func startPeer(t *testing.T, cfg func(port int) config.Config) (*peer, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	rt := New(cfg(ln.Addr().(*net.TCPAddr).Port), slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- rt.Start(context.Background()) }()

	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn, dec: protocol.NewDecoder(conn, protocol.DefaultDelimiter, 0)}, done
}

func TestRuntimeServesPagesOverSocket(t *testing.T) {
	p, done := startPeer(t, testConfig)

	p.send(`{"page_id":1,"cmd":{"action":"start-service"}}`)
	started := p.next()
	assert.Equal(t, "1", string(started.PageID))
	assert.Equal(t, "started-service", started.Cmd["action"])
	assert.Equal(t, "outfox", started.Cmd["service"])
	assert.NotEmpty(t, started.Cmd["extension"])

	p.send(`{"page_id":1,"cmd":{"action":"say","channel":2,"text":"hello world"}}`)
	say := p.until("started-say")
	assert.Equal(t, float64(2), say.Cmd["channel"])
	finished := p.until("finished-say")
	assert.Equal(t, float64(2), finished.Cmd["channel"])

	p.send(`not json`)
	p.send(`{"page_id":1}`)
	assert.Equal(t, "error", p.next().Cmd["action"])

	require.NoError(t, p.conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after the peer hung up")
	}
}

func TestRuntimeReportsBackendFailure(t *testing.T) {
	p, done := startPeer(t, func(port int) config.Config {
		cfg := testConfig(port)
		cfg.Driver.Mode = "exec"
		return cfg
	})

	r := p.next()
	assert.Equal(t, `"*"`, string(r.PageID))
	assert.Equal(t, "failed-service", r.Cmd["action"])
	assert.NotEmpty(t, r.Cmd["description"])

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not exit")
	}
}

func TestReadiness(t *testing.T) {
	rt := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())
}
