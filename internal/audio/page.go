package audio

import (
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/outfox/internal/protocol"
)

//go:embed extension.js
var extension string

// Extension returns the page-side script announced in started-service.
func Extension() string { return extension }

const (
	errAlreadyStarted = "Service already started."
	errNotStarted     = "Service not started."
)

// PageOptions configures the pages created by a router.
type PageOptions struct {
	Backend   Backend
	Scheduler *Scheduler
	Defaults  Settings
	Watchdog  time.Duration
	Metrics   *Metrics
	Logger    *slog.Logger
}

// PageController owns the service lifecycle of one page and the channels
// it addresses.
type PageController struct {
	backend  Backend
	sched    *Scheduler
	logger   *slog.Logger
	notify   func(protocol.Notification)
	registry *Registry

	started  bool
	starting bool
}

// NewPageController creates a stopped page whose notifications go to
// notify.
func NewPageController(opts PageOptions, notify func(protocol.Notification)) *PageController {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &PageController{
		backend: opts.Backend,
		sched:   opts.Scheduler,
		logger:  opts.Logger,
		notify:  notify,
	}
	p.registry = newRegistry(opts, p.emit)
	return p
}

func (p *PageController) Started() bool { return p.started }

// Channels exposes the page's channel registry.
func (p *PageController) Channels() *Registry { return p.registry }

// PushRequest handles the lifecycle actions and routes everything else to
// a channel. Commands arriving while the service is stopped are dropped.
func (p *PageController) PushRequest(cmd protocol.Command) error {
	switch cmd.Action() {
	case protocol.ActionStartService:
		return p.onStart()
	case protocol.ActionStopService:
		p.onStop()
		return nil
	}
	if !p.started {
		p.logger.Debug("dropping command for stopped service", slog.String("action", string(cmd.Action())))
		return nil
	}
	p.registry.Route(cmd)
	return nil
}

func (p *PageController) onStart() error {
	if p.started || p.starting {
		p.emit(protocol.NewNotification(protocol.EventFailedService, map[string]any{"description": errAlreadyStarted}))
		return nil
	}
	if p.backend == nil {
		return fmt.Errorf("page has no output backend")
	}
	p.starting = true
	pending, err := p.backend.Start(func(err error) {
		p.sched.Post(func() { p.finishStart(err) })
	})
	if err != nil {
		p.finishStart(err)
		return nil
	}
	if !pending {
		p.finishStart(nil)
	}
	return nil
}

func (p *PageController) finishStart(err error) {
	if !p.starting {
		return
	}
	p.starting = false
	if err != nil {
		p.logger.Warn("output backend failed to start", slogError(err))
		p.emit(protocol.NewNotification(protocol.EventFailedService, map[string]any{"description": err.Error()}))
		return
	}
	p.started = true
	p.emit(protocol.NewNotification(protocol.EventStartedService, map[string]any{"extension": extension}))
}

func (p *PageController) onStop() {
	if !p.started {
		p.starting = false
		p.emit(protocol.NewNotification(protocol.EventFailedService, map[string]any{"description": errNotStarted}))
		return
	}
	p.registry.shutdown()
	p.emit(protocol.NewNotification(protocol.EventStoppedService, nil))
	p.notify = nil
	p.started = false
}

// Sweep runs the channel watchdogs.
func (p *PageController) Sweep(now time.Time) {
	p.registry.sweep(now)
}

func (p *PageController) emit(n protocol.Notification) {
	if p.notify == nil {
		return
	}
	p.notify(n)
}
