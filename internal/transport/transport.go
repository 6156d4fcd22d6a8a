// Package transport carries response and request envelopes between the
// helper and its pages.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when the outbound queue cannot take another
	// frame without blocking the caller.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrClosed is returned by a transport after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned by Send before a peer is attached.
	ErrNotConnected = errors.New("transport not connected")
)

// Handler receives one inbound JSON document.
type Handler func(ctx context.Context, frame []byte)

// Transport is one way of reaching the browser side. Listen blocks until the
// connection ends or ctx is done; Send never blocks on the network.
type Transport interface {
	Name() string
	Listen(ctx context.Context, h Handler) error
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Outbox is a bounded queue of outbound frames drained by one writer.
type Outbox struct {
	queue chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{queue: make(chan []byte, size), done: make(chan struct{})}
}

// Send enqueues frame or fails fast when the queue is full.
func (o *Outbox) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.queue <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain hands queued frames to write until ctx ends, write fails or the
// outbox is closed. Frames still queued at Close are flushed first.
func (o *Outbox) Drain(ctx context.Context, write func([]byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-o.queue:
			if err := write(frame); err != nil {
				return err
			}
		case <-o.done:
			for {
				select {
				case frame := <-o.queue:
					if err := write(frame); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// Len reports the frames waiting to be written.
func (o *Outbox) Len() int { return len(o.queue) }

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}
