package protocol

// Action names the operation a command asks for.
type Action string

const (
	ActionSay            Action = "say"
	ActionPlay           Action = "play"
	ActionStream         Action = "stream"
	ActionSetNow         Action = "set-now"
	ActionSetQueued      Action = "set-queued"
	ActionResetNow       Action = "reset-now"
	ActionResetQueued    Action = "reset-queued"
	ActionStop           Action = "stop"
	ActionGetConfig      Action = "get-config"
	ActionDeferredResult Action = "deferred-result"
	ActionStartService   Action = "start-service"
	ActionStopService    Action = "stop-service"
)

// Tier describes how a channel treats an action.
type Tier int

const (
	// TierInvalid marks actions no channel understands.
	TierInvalid Tier = iota
	// TierImmediate actions run synchronously and bypass the queue.
	TierImmediate
	// TierQueued actions are appended to the channel queue.
	TierQueued
	// TierLifecycle actions are handled by the page, never by a channel.
	TierLifecycle
)

// Tier classifies the action.
func (a Action) Tier() Tier {
	switch a {
	case ActionStop, ActionSetNow, ActionResetNow, ActionDeferredResult, ActionStopService:
		return TierImmediate
	case ActionSay, ActionPlay, ActionStream, ActionSetQueued, ActionGetConfig, ActionResetQueued:
		return TierQueued
	case ActionStartService:
		return TierLifecycle
	default:
		return TierInvalid
	}
}

// Valid reports whether the action is part of the protocol.
func (a Action) Valid() bool { return a.Tier() != TierInvalid }

// Event names an outbound notification.
type Event string

const (
	EventStartedService Event = "started-service"
	EventStoppedService Event = "stopped-service"
	EventFailedService  Event = "failed-service"
	EventStartedSay     Event = "started-say"
	EventStartedPlay    Event = "started-play"
	EventStartedOutput  Event = "started-output"
	EventStartedWord    Event = "started-word"
	EventFinishedSay    Event = "finished-say"
	EventFinishedPlay   Event = "finished-play"
	EventError          Event = "error"
	EventSetConfig      Event = "set-config"
	EventSetProperty    Event = "set-property"
)
