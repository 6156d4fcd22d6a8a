package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/outfox/internal/audio"
)

// ErrInboxFull is returned by Post when the loop cannot keep up.
var ErrInboxFull = errors.New("event loop inbox full")

// ErrStopped is returned by Post and Submit once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

const (
	defaultTick  = 50 * time.Millisecond
	defaultInbox = 256
)

// Options configures a Loop.
type Options struct {
	Tick      time.Duration
	InboxSize int
	Scheduler *audio.Scheduler
}

// Loop is the single goroutine that owns router, page and channel state.
// Transports hand work in through Post; driver callbacks arrive through
// the scheduler.
type Loop struct {
	tick   time.Duration
	sched  *audio.Scheduler
	inbox  chan func()
	done   chan struct{}
	hooks  []func(time.Time)
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Loop {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInbox
	}
	if opts.Scheduler == nil {
		opts.Scheduler = audio.NewScheduler()
	}
	return &Loop{
		tick:   opts.Tick,
		sched:  opts.Scheduler,
		inbox:  make(chan func(), opts.InboxSize),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "event-loop")),
	}
}

// Scheduler returns the hand-off drained by the loop.
func (l *Loop) Scheduler() *audio.Scheduler { return l.sched }

// OnTick registers fn to run on every tick. Call before Run.
func (l *Loop) OnTick(fn func(now time.Time)) {
	l.hooks = append(l.hooks, fn)
}

// Post queues fn to run on the loop without waiting for it.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.inbox <- fn:
		return nil
	default:
		return ErrInboxFull
	}
}

// Submit queues fn to run on the loop, waiting for inbox space. Arrival
// order is preserved across callers that submit from one goroutine.
func (l *Loop) Submit(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.inbox <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes work until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.inbox:
			l.safely("inbox", fn)
		case <-l.sched.Wake():
			l.safely("scheduler", func() { l.sched.RunPending() })
		case now := <-ticker.C:
			l.safely("scheduler", func() { l.sched.RunPending() })
			for _, hook := range l.hooks {
				l.safely("tick", func() { hook(now) })
			}
		}
	}
}

func (l *Loop) safely(source string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic on event loop", slog.String("source", source), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
