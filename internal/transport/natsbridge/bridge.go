// Package natsbridge carries page envelopes over NATS subjects so pages can
// live in another process or on another host.
package natsbridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/outfox/internal/bus"
	"github.com/loqalabs/outfox/internal/transport"
)

const flushTimeout = 2 * time.Second

type Options struct {
	CommandSubject  string
	ResponseSubject string
	QueueSize       int
}

type Bridge struct {
	client *bus.Client
	opts   Options
	outbox *transport.Outbox
	logger *slog.Logger
}

func New(client *bus.Client, opts Options, logger *slog.Logger) *Bridge {
	return &Bridge{
		client: client,
		opts:   opts,
		outbox: transport.NewOutbox(opts.QueueSize),
		logger: logger.With(slog.String("component", "nats-transport")),
	}
}

func (b *Bridge) Name() string { return "nats" }

// Listen subscribes to the command subject and publishes queued responses
// until ctx ends or Close is called.
func (b *Bridge) Listen(ctx context.Context, h transport.Handler) error {
	sub, err := b.client.Subscribe(b.opts.CommandSubject, func(data []byte) {
		h(ctx, data)
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()
	b.logger.Info("listening",
		slog.String("commands", b.opts.CommandSubject),
		slog.String("responses", b.opts.ResponseSubject))

	err = b.outbox.Drain(ctx, func(frame []byte) error {
		return b.client.Publish(b.opts.ResponseSubject, frame)
	})
	if err == nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		if ferr := b.client.Flush(flushCtx); ferr != nil {
			b.logger.Warn("flush on close failed", slog.String("error", ferr.Error()))
		}
	}
	return err
}

func (b *Bridge) Send(ctx context.Context, frame []byte) error {
	return b.outbox.Send(ctx, frame)
}

func (b *Bridge) Close() error {
	b.outbox.Close()
	return nil
}
