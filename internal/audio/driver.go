package audio

// OutputKind tells a listener what kind of output began.
type OutputKind string

const (
	KindSpeech OutputKind = "speech"
	KindSound  OutputKind = "sound"
)

// Settings is the per-channel output configuration handed to every
// operation.
type Settings struct {
	Volume float64
	Rate   int
	Loop   bool
	Voice  string
}

// DefaultSettings returns the factory configuration of a channel.
func DefaultSettings() Settings {
	return Settings{Volume: 0.9, Rate: 200, Loop: false}
}

// Source identifies a playable resource.
type Source struct {
	// URI is a local path when Local is set, otherwise a URL.
	URI   string
	Local bool
	// Cache asks the driver to materialise a remote resource before playing.
	Cache bool
	// Stream marks a resource played progressively as it arrives.
	Stream bool
	Loop   bool
}

// Listener receives the asynchronous progress of one operation. Methods may
// be invoked from any goroutine; exactly one of OnCompleted or OnError
// follows every accepted operation.
type Listener interface {
	OnStarted(kind OutputKind)
	OnWordBoundary(location, length int)
	OnCompleted()
	OnError(reason string)
}

// Output drives one logical output stream. Speak and Play return as soon as
// the operation is issued. A returned error means the operation was
// rejected and no listener call will follow.
type Output interface {
	Speak(text string, s Settings, l Listener) error
	Play(src Source, s Settings, l Listener) error
	Stop()
	SetProperty(name string, value any) error
	Voices() []string
	DefaultVoice() string
	Close() error
}

// Backend owns the device and hands out per-channel outputs.
type Backend interface {
	// Start brings the backend up for a page. When pending is true the
	// backend calls ready exactly once, from any goroutine, when bring-up
	// ends; otherwise ready is never called.
	Start(ready func(error)) (pending bool, err error)
	NewOutput(channel int) (Output, error)
	Close() error
}
