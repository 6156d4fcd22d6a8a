package audio

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/outfox/internal/protocol"
)

type propertyCall struct {
	name  string
	value any
}

type fakeOutput struct {
	speaks   []string
	plays    []Source
	settings []Settings
	stops    int
	props    []propertyCall
	closed   bool
	listener Listener

	speakErr     error
	playErr      error
	voices       []string
	panicOnSpeak bool
}

func (f *fakeOutput) Speak(text string, s Settings, l Listener) error {
	if f.panicOnSpeak {
		panic("speech engine crashed")
	}
	if f.speakErr != nil {
		return f.speakErr
	}
	f.speaks = append(f.speaks, text)
	f.settings = append(f.settings, s)
	f.listener = l
	return nil
}

func (f *fakeOutput) Play(src Source, s Settings, l Listener) error {
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, src)
	f.settings = append(f.settings, s)
	f.listener = l
	return nil
}

func (f *fakeOutput) Stop() { f.stops++ }

func (f *fakeOutput) SetProperty(name string, value any) error {
	f.props = append(f.props, propertyCall{name, value})
	return nil
}

func (f *fakeOutput) Voices() []string { return f.voices }

func (f *fakeOutput) DefaultVoice() string { return "alice" }

func (f *fakeOutput) Close() error {
	f.closed = true
	return nil
}

type fakeBackend struct {
	outputs  map[int]*fakeOutput
	pending  bool
	startErr error
	ready    func(error)
	starts   int
	openErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{outputs: make(map[int]*fakeOutput)}
}

func (b *fakeBackend) Start(ready func(error)) (bool, error) {
	b.starts++
	if b.startErr != nil {
		return false, b.startErr
	}
	b.ready = ready
	return b.pending, nil
}

func (b *fakeBackend) NewOutput(channel int) (Output, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	out := &fakeOutput{voices: []string{"alice", "bob"}}
	b.outputs[channel] = out
	return out, nil
}

func (b *fakeBackend) Close() error { return nil }

type recorder struct {
	got []protocol.Notification
}

func (r *recorder) observe(n protocol.Notification) { r.got = append(r.got, n) }

func (r *recorder) events() []protocol.Event {
	out := make([]protocol.Event, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Action)
	}
	return out
}

func (r *recorder) last() protocol.Notification {
	if len(r.got) == 0 {
		return protocol.Notification{}
	}
	return r.got[len(r.got)-1]
}

func (r *recorder) reset() { r.got = nil }

// settle runs the scheduler until nothing is pending.
func settle(t *testing.T, s *Scheduler) {
	t.Helper()
	for i := 0; s.Pending(); i++ {
		if i > 100 {
			t.Fatalf("scheduler did not settle")
		}
		s.RunPending()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChannel(out *fakeOutput, rec *recorder) (*Channel, *Scheduler) {
	sched := NewScheduler()
	ch := NewChannel(ChannelOptions{
		ID:        0,
		Output:    out,
		Scheduler: sched,
		Observer:  rec.observe,
		Defaults:  DefaultSettings(),
		Logger:    discardLogger(),
	})
	return ch, sched
}

func cmd(action protocol.Action, fields map[string]any) protocol.Command {
	return protocol.NewCommand(action, fields)
}

var errRejected = errors.New("Bad speech buffer.")
