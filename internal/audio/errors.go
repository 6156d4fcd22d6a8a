package audio

import "errors"

var (
	// ErrMalformedCommand marks a command missing a required field or
	// carrying a field of the wrong type.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrUnknownAction marks an action no channel handles.
	ErrUnknownAction = errors.New("unknown action")
	// ErrChannelShutdown is returned for commands sent to a channel after
	// stop-service.
	ErrChannelShutdown = errors.New("channel shut down")
)
