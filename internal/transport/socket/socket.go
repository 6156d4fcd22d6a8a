// Package socket dials the browser extension's local TCP listener and
// exchanges delimiter-framed JSON documents with it.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/loqalabs/outfox/internal/protocol"
	"github.com/loqalabs/outfox/internal/transport"
)

type Options struct {
	Host        string
	Port        int
	Delimiter   byte
	MaxFrame    int
	DialTimeout time.Duration
	QueueSize   int
}

type Transport struct {
	opts   Options
	outbox *transport.Outbox
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Transport {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = protocol.DefaultDelimiter
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = protocol.DefaultMaxFrame
	}
	return &Transport{
		opts:   opts,
		outbox: transport.NewOutbox(opts.QueueSize),
		logger: logger.With(slog.String("component", "socket-transport")),
	}
}

func (t *Transport) Name() string { return "socket" }

func (t *Transport) Address() string {
	return net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))
}

// Listen dials the extension and reads frames until the peer hangs up. A
// clean hang-up returns nil; the helper has nothing left to serve.
func (t *Transport) Listen(ctx context.Context, h transport.Handler) error {
	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.Address(), err)
	}
	t.logger.Info("connected", slog.String("addr", t.Address()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc := protocol.NewEncoder(conn, t.opts.Delimiter)
	writeErr := make(chan error, 1)
	go func() {
		err := t.outbox.Drain(ctx, enc.Write)
		_ = conn.Close()
		writeErr <- err
	}()

	dec := protocol.NewDecoder(conn, t.opts.Delimiter, t.opts.MaxFrame)
	for {
		frame, err := dec.Next()
		switch {
		case err == nil:
			h(ctx, frame)
			continue
		case errors.Is(err, protocol.ErrFrameTooLarge):
			t.logger.Warn("dropping oversized frame", slog.Int("limit", t.opts.MaxFrame))
			continue
		case errors.Is(err, io.EOF):
			t.logger.Info("peer closed connection")
			err = nil
		case errors.Is(err, net.ErrClosed):
			err = ctx.Err()
		default:
			err = fmt.Errorf("read: %w", err)
		}
		cancel()
		if werr := <-writeErr; werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
			err = fmt.Errorf("write: %w", werr)
		}
		return err
	}
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	return t.outbox.Send(ctx, frame)
}

// Close flushes queued frames and then drops the connection.
func (t *Transport) Close() error {
	t.outbox.Close()
	return nil
}
