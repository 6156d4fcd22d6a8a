package audio

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/loqalabs/outfox/internal/protocol"
)

// State is the externally visible state of a channel.
type State int

const (
	StateIdle State = iota
	StateStalled
	StateBusy
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStalled:
		return "stalled"
	case StateBusy:
		return "busy"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	errBadSoundURL   = "Bad sound URL."
	errBadSoundInput = "Bad sound URL/filename."
	errTimedOut      = "Output timed out."
)

// ChannelOptions configures a new channel.
type ChannelOptions struct {
	ID        int
	Output    Output
	Scheduler *Scheduler
	// Observer receives every notification the channel emits.
	Observer func(protocol.Notification)
	// OnFailure handles errors from scheduled drains. When nil the channel
	// reports them itself.
	OnFailure func(*Channel, error)
	Defaults  Settings
	// Watchdog bounds a single operation. Zero disables it.
	Watchdog time.Duration
	Metrics  *Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type opKind int

const (
	opNone opKind = iota
	opSay
	opPlay
)

// Channel serialises the commands of one logical output stream. At most one
// output operation is outstanding at a time; queued commands wait for it
// and for any deferred result they depend on.
type Channel struct {
	id        int
	output    Output
	sched     *Scheduler
	observer  func(protocol.Notification)
	onFailure func(*Channel, error)
	defaults  Settings
	config    Settings
	watchdog  time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time

	queue     []protocol.Command
	deferred  map[protocol.RequestID]protocol.Command
	stalledOn protocol.RequestID
	stalled   bool

	busy      bool
	name      any
	op        opKind
	token     uint64
	nextToken uint64
	startedAt time.Time

	shutdown bool
}

func NewChannel(opts ChannelOptions) *Channel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Channel{
		id:        opts.ID,
		output:    opts.Output,
		sched:     opts.Scheduler,
		observer:  opts.Observer,
		onFailure: opts.OnFailure,
		defaults:  opts.Defaults,
		watchdog:  opts.Watchdog,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(slog.Int("channel", opts.ID)),
		now:       opts.Now,
		deferred:  make(map[protocol.RequestID]protocol.Command),
	}
	c.config = c.factorySettings()
	return c
}

func (c *Channel) ID() int { return c.id }

func (c *Channel) State() State {
	switch {
	case c.shutdown:
		return StateShutdown
	case c.busy:
		return StateBusy
	case c.stalled:
		return StateStalled
	default:
		return StateIdle
	}
}

func (c *Channel) Busy() bool { return c.busy }

// Name is the correlation tag of the running operation, or nil.
func (c *Channel) Name() any { return c.name }

func (c *Channel) Config() Settings { return c.config }

func (c *Channel) QueueLen() int { return len(c.queue) }

// StalledOn returns the request id the queue head is waiting for.
func (c *Channel) StalledOn() (protocol.RequestID, bool) { return c.stalledOn, c.stalled }

// PushRequest accepts one command. Immediate actions run now; queued
// actions join the tail of the queue, which is then drained.
func (c *Channel) PushRequest(cmd protocol.Command) error {
	if c.shutdown {
		return ErrChannelShutdown
	}
	action := cmd.Action()
	c.metrics.command(action)
	switch action.Tier() {
	case protocol.TierImmediate:
		return c.immediate(cmd)
	case protocol.TierQueued:
		c.queue = append(c.queue, cmd)
		return c.drain()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (c *Channel) immediate(cmd protocol.Command) error {
	switch cmd.Action() {
	case protocol.ActionStop:
		c.Stop()
		return nil
	case protocol.ActionSetNow:
		return c.setProperty(cmd)
	case protocol.ActionResetNow:
		c.reset()
		return nil
	case protocol.ActionDeferredResult:
		id, ok := cmd.Deferred()
		if !ok {
			return fmt.Errorf("%w: deferred-result without deferred id", ErrMalformedCommand)
		}
		c.deferred[id] = cmd
		if c.stalled && c.stalledOn == id {
			c.stalled = false
			c.stalledOn = ""
			return c.drain()
		}
		return nil
	case protocol.ActionStopService:
		c.Shutdown()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action())
	}
}

// drain dispatches queued commands until the channel is busy, stalled or
// empty. A command that fails is consumed before its error is returned.
func (c *Channel) drain() error {
	for !c.shutdown && !c.busy && len(c.queue) > 0 {
		head := c.queue[0]
		if id, ok := head.Deferred(); ok {
			result, found := c.deferred[id]
			if !found {
				c.stalled = true
				c.stalledOn = id
				return nil
			}
			delete(c.deferred, id)
			head = head.WithDeferredResult(result)
		}
		c.stalled = false
		c.stalledOn = ""
		c.queue[0] = protocol.Command{}
		c.queue = c.queue[1:]
		if err := c.dispatch(head); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) runScheduledDrain() {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("channel %d drain panicked: %v", c.id, r)
			}
		}()
		return c.drain()
	}()
	if err == nil {
		return
	}
	if c.onFailure != nil {
		c.onFailure(c, err)
		return
	}
	c.metrics.failure()
	c.emit(protocol.EventError, map[string]any{"description": err.Error()})
	c.sched.MarkDrain(c)
}

func (c *Channel) dispatch(cmd protocol.Command) error {
	switch cmd.Action() {
	case protocol.ActionSay:
		return c.say(cmd)
	case protocol.ActionPlay:
		return c.play(cmd, true)
	case protocol.ActionStream:
		return c.play(cmd, false)
	case protocol.ActionSetQueued:
		return c.setProperty(cmd)
	case protocol.ActionGetConfig:
		c.getConfig()
		return nil
	case protocol.ActionResetQueued:
		c.reset()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action())
	}
}

func (c *Channel) say(cmd protocol.Command) error {
	text, ok := cmd.Text()
	if !ok {
		return fmt.Errorf("%w: say requires a text string", ErrMalformedCommand)
	}
	if text == "" {
		return nil
	}
	token := c.issueToken()
	if err := c.output.Speak(text, c.config, c.listener(token)); err != nil {
		c.logger.Debug("speech rejected", slogError(err))
		c.metrics.failure()
		c.emit(protocol.EventError, map[string]any{"description": err.Error()})
		return nil
	}
	c.begin(token, opSay, cmd.Name())
	c.emit(protocol.EventStartedSay, nil)
	return nil
}

func (c *Channel) play(cmd protocol.Command, local bool) error {
	if cmd.Invalid() {
		fields := map[string]any{"description": errBadSoundURL}
		if url, ok := cmd.URL(); ok {
			fields["url"] = url
		}
		c.metrics.failure()
		c.emit(protocol.EventError, fields)
		return nil
	}

	src := Source{Loop: c.config.Loop || cmd.Loop()}
	detail := map[string]any{}
	if filename, ok := cmd.Filename(); ok && filename != "" {
		src.URI = filename
		src.Local = true
		detail["filename"] = filename
	} else if url, ok := cmd.URL(); ok && url != "" {
		src.URI = url
		src.Cache = local && cmd.Cache()
		src.Stream = !src.Cache
		detail["url"] = url
	} else {
		c.metrics.failure()
		c.emit(protocol.EventError, map[string]any{"description": errBadSoundInput})
		return nil
	}

	token := c.issueToken()
	if err := c.output.Play(src, c.config, c.listener(token)); err != nil {
		c.logger.Debug("playback rejected", slog.String("uri", src.URI), slogError(err))
		detail["description"] = err.Error()
		c.metrics.failure()
		c.emit(protocol.EventError, detail)
		return nil
	}
	c.begin(token, opPlay, cmd.Name())
	c.emit(protocol.EventStartedPlay, nil)
	return nil
}

func (c *Channel) setProperty(cmd protocol.Command) error {
	name, ok := cmd.PropertyName()
	if !ok {
		return fmt.Errorf("%w: %s requires a property name", ErrMalformedCommand, cmd.Action())
	}
	raw, ok := cmd.PropertyValue()
	if !ok {
		return fmt.Errorf("%w: %s requires a value", ErrMalformedCommand, cmd.Action())
	}

	var value any
	switch name {
	case "rate":
		n, ok := intValue(raw)
		if !ok {
			return fmt.Errorf("%w: rate must be a number", ErrMalformedCommand)
		}
		c.config.Rate = n
		value = n
	case "volume":
		f, ok := floatValue(raw)
		if !ok {
			return fmt.Errorf("%w: volume must be a number", ErrMalformedCommand)
		}
		c.config.Volume = f
		value = f
	case "voice":
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: voice must be a string", ErrMalformedCommand)
		}
		c.config.Voice = s
		value = s
	case "loop":
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("%w: loop must be a boolean", ErrMalformedCommand)
		}
		c.config.Loop = b
		value = b
	default:
		return nil
	}

	if c.busy {
		if err := c.output.SetProperty(name, value); err != nil {
			c.logger.Warn("failed to apply property to live output", slog.String("property", name), slogError(err))
		}
	}
	c.emit(protocol.EventSetProperty, map[string]any{"name": name, "value": value})
	return nil
}

func (c *Channel) getConfig() {
	voices := c.output.Voices()
	if voices == nil {
		voices = []string{}
	}
	c.emit(protocol.EventSetConfig, map[string]any{"config": map[string]any{
		"volume": c.config.Volume,
		"rate":   c.config.Rate,
		"loop":   c.config.Loop,
		"voice":  c.config.Voice,
		"voices": voices,
	}})
}

func (c *Channel) reset() {
	c.config = c.factorySettings()
	if !c.busy {
		return
	}
	if err := c.output.SetProperty("volume", c.config.Volume); err != nil {
		c.logger.Warn("failed to reset live volume", slogError(err))
	}
	if err := c.output.SetProperty("loop", c.config.Loop); err != nil {
		c.logger.Warn("failed to reset live loop", slogError(err))
	}
}

func (c *Channel) factorySettings() Settings {
	s := c.defaults
	if c.output != nil {
		s.Voice = c.output.DefaultVoice()
	}
	return s
}

// Stop drops queued work, deferred results and any stall, and asks the
// output to stop. Busy and the name tag stay until the output reports the
// end of the operation.
func (c *Channel) Stop() {
	clear(c.queue)
	c.queue = c.queue[:0]
	clear(c.deferred)
	c.stalled = false
	c.stalledOn = ""
	if c.busy {
		c.output.Stop()
	}
}

// Shutdown stops the channel, detaches its observer and closes the output.
func (c *Channel) Shutdown() {
	if c.shutdown {
		return
	}
	c.Stop()
	c.observer = nil
	c.shutdown = true
	c.token = 0
	if c.busy {
		c.busy = false
		c.name = nil
		c.metrics.operationEnded()
	}
	if err := c.output.Close(); err != nil {
		c.logger.Warn("failed to close output", slogError(err))
	}
}

// CheckWatchdog stops an operation that has run past the deadline.
func (c *Channel) CheckWatchdog(now time.Time) {
	if c.watchdog <= 0 || !c.busy || c.shutdown {
		return
	}
	if now.Sub(c.startedAt) < c.watchdog {
		return
	}
	c.logger.Warn("output operation timed out", slog.Duration("after", now.Sub(c.startedAt)))
	c.token = 0
	c.output.Stop()
	c.metrics.failure()
	c.emit(protocol.EventError, map[string]any{"description": errTimedOut})
	c.end()
}

func (c *Channel) issueToken() uint64 {
	c.nextToken++
	return c.nextToken
}

func (c *Channel) begin(token uint64, op opKind, name any) {
	c.token = token
	c.op = op
	c.busy = true
	c.name = name
	c.startedAt = c.now()
	c.metrics.operationStarted(op)
}

func (c *Channel) end() {
	c.busy = false
	c.name = nil
	c.op = opNone
	c.token = 0
	c.metrics.operationEnded()
	c.sched.MarkDrain(c)
}

func (c *Channel) current(token uint64) bool {
	return !c.shutdown && c.busy && token != 0 && token == c.token
}

func (c *Channel) onStarted(token uint64) {
	if !c.current(token) {
		return
	}
	c.emit(protocol.EventStartedOutput, nil)
}

func (c *Channel) onWordBoundary(token uint64, location, length int) {
	if !c.current(token) {
		return
	}
	c.emit(protocol.EventStartedWord, map[string]any{"location": location, "length": length})
}

func (c *Channel) onTerminal(token uint64, reason string, failed bool) {
	if !c.current(token) {
		c.logger.Debug("absorbed stale output callback", slog.Uint64("token", token))
		return
	}
	switch {
	case failed:
		c.metrics.failure()
		c.emit(protocol.EventError, map[string]any{"description": reason})
	case c.op == opSay:
		c.emit(protocol.EventFinishedSay, nil)
	default:
		c.emit(protocol.EventFinishedPlay, nil)
	}
	c.end()
}

func (c *Channel) emit(event protocol.Event, fields map[string]any) {
	if c.observer == nil {
		return
	}
	m := map[string]any{"channel": c.id}
	if c.name != nil {
		m["name"] = c.name
	}
	maps.Copy(m, fields)
	c.observer(protocol.Notification{Action: event, Fields: m})
}

func (c *Channel) listener(token uint64) Listener {
	return &channelListener{ch: c, token: token}
}

// channelListener carries driver callbacks onto the loop, tagged with the
// operation they belong to.
type channelListener struct {
	ch    *Channel
	token uint64
}

func (l *channelListener) OnStarted(OutputKind) {
	l.ch.sched.Post(func() { l.ch.onStarted(l.token) })
}

func (l *channelListener) OnWordBoundary(location, length int) {
	l.ch.sched.Post(func() { l.ch.onWordBoundary(l.token, location, length) })
}

func (l *channelListener) OnCompleted() {
	l.ch.sched.Post(func() { l.ch.onTerminal(l.token, "", false) })
}

func (l *channelListener) OnError(reason string) {
	l.ch.sched.Post(func() { l.ch.onTerminal(l.token, reason, true) })
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
