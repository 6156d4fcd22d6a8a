// Package websocket serves the page protocol over a WebSocket endpoint on
// the helper's HTTP listener.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loqalabs/outfox/internal/protocol"
	"github.com/loqalabs/outfox/internal/transport"
)

type Options struct {
	Path           string
	MaxFrame       int
	QueueSize      int
	OriginPatterns []string
}

// Transport accepts one browser connection at a time. Frames queued while
// no browser is attached go to the next one.
type Transport struct {
	opts   Options
	outbox *transport.Outbox
	logger *slog.Logger
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	handler transport.Handler
	ctx     context.Context
	active  bool
}

func New(opts Options, logger *slog.Logger) *Transport {
	if opts.Path == "" {
		opts.Path = "/outfox"
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = protocol.DefaultMaxFrame
	}
	return &Transport{
		opts:   opts,
		outbox: transport.NewOutbox(opts.QueueSize),
		logger: logger.With(slog.String("component", "websocket-transport")),
		closed: make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "websocket" }

// Path is where ServeHTTP should be mounted.
func (t *Transport) Path() string { return t.opts.Path }

// Listen enables the endpoint and blocks until ctx ends or Close is called.
func (t *Transport) Listen(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	t.handler, t.ctx = h, ctx
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.handler, t.ctx = nil, nil
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return nil
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	h, parent := t.handler, t.ctx
	switch {
	case h == nil:
		t.mu.Unlock()
		http.Error(w, "not listening", http.StatusServiceUnavailable)
		return
	case t.active:
		t.mu.Unlock()
		http.Error(w, "a page connection is already active", http.StatusConflict)
		return
	}
	t.active = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: t.opts.OriginPatterns})
	if err != nil {
		t.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(int64(t.opts.MaxFrame))

	logger := t.logger.With(slog.String("connection", uuid.NewString()))
	logger.Info("page connected", slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		err := t.outbox.Drain(ctx, func(frame []byte) error {
			return conn.Write(ctx, websocket.MessageText, frame)
		})
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "helper shutting down")
			return
		}
		cancel()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				logger.Info("page disconnected")
			} else {
				logger.Warn("page connection lost", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h(ctx, data)
	}
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	return t.outbox.Send(ctx, frame)
}

func (t *Transport) Close() error {
	t.outbox.Close()
	t.once.Do(func() { close(t.closed) })
	return nil
}
