package audio

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/loqalabs/outfox/internal/protocol"
)

// Registry maps channel ids to channels for one page and creates them on
// first use.
type Registry struct {
	backend  Backend
	sched    *Scheduler
	defaults Settings
	watchdog time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	notify   func(protocol.Notification)
	channels map[int]*Channel
}

func newRegistry(opts PageOptions, notify func(protocol.Notification)) *Registry {
	return &Registry{
		backend:  opts.Backend,
		sched:    opts.Scheduler,
		defaults: opts.Defaults,
		watchdog: opts.Watchdog,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		notify:   notify,
		channels: make(map[int]*Channel),
	}
}

// Route forwards cmd to its channel. Failures become an error notification
// scoped to the channel, which is then scheduled for draining so a broken
// command never wedges it.
func (r *Registry) Route(cmd protocol.Command) {
	id, err := cmd.Channel()
	if err != nil {
		raw, _ := cmd.Get("channel")
		r.report(raw, err)
		return
	}
	ch, err := r.channel(id)
	if err != nil {
		r.report(id, err)
		return
	}
	if err := r.push(ch, cmd); err != nil {
		r.fail(ch, err)
	}
}

// Len returns the number of live channels.
func (r *Registry) Len() int { return len(r.channels) }

// Get returns an existing channel.
func (r *Registry) Get(id int) (*Channel, bool) {
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *Registry) channel(id int) (*Channel, error) {
	if ch, ok := r.channels[id]; ok {
		return ch, nil
	}
	out, err := r.backend.NewOutput(id)
	if err != nil {
		return nil, fmt.Errorf("open output for channel %d: %w", id, err)
	}
	ch := NewChannel(ChannelOptions{
		ID:        id,
		Output:    out,
		Scheduler: r.sched,
		Observer:  r.notify,
		OnFailure: r.fail,
		Defaults:  r.defaults,
		Watchdog:  r.watchdog,
		Metrics:   r.metrics,
		Logger:    r.logger,
	})
	r.channels[id] = ch
	r.metrics.channelOpened()
	return ch, nil
}

func (r *Registry) push(ch *Channel, cmd protocol.Command) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel %d panicked: %v", ch.ID(), p)
		}
	}()
	return ch.PushRequest(cmd)
}

func (r *Registry) fail(ch *Channel, err error) {
	r.logger.Warn("channel command failed", slog.Int("channel", ch.ID()), slogError(err))
	r.report(ch.ID(), err)
	r.sched.MarkDrain(ch)
}

func (r *Registry) report(channel any, err error) {
	r.metrics.failure()
	r.notify(protocol.NewNotification(protocol.EventError, map[string]any{
		"channel":     channel,
		"description": err.Error(),
	}))
}

// shutdown sends stop-service to every channel and forgets them. Failures
// are logged and otherwise ignored.
func (r *Registry) shutdown() {
	stop := protocol.NewCommand(protocol.ActionStopService, nil)
	for _, id := range slices.Sorted(maps.Keys(r.channels)) {
		if err := r.push(r.channels[id], stop); err != nil {
			r.logger.Warn("channel shutdown failed", slog.Int("channel", id), slogError(err))
		}
	}
	r.metrics.channelsClosed(len(r.channels))
	clear(r.channels)
}

func (r *Registry) sweep(now time.Time) {
	for _, ch := range r.channels {
		ch.CheckWatchdog(now)
	}
}
