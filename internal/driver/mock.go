package driver

import (
	"sync"
	"time"
	"unicode"

	"github.com/loqalabs/outfox/internal/audio"
)

// MockOptions tunes the simulated backend.
type MockOptions struct {
	// WordDelay is the time spent per word at rate 200.
	WordDelay time.Duration
	PlayDelay time.Duration
	// StartDelay makes Start report a pending bring-up.
	StartDelay   time.Duration
	Voices       []string
	DefaultVoice string
}

// Mock simulates a device: speech emits a word boundary per word and
// playback completes after a fixed delay.
type Mock struct {
	opts MockOptions
}

func NewMock(opts MockOptions) *Mock {
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = "default"
	}
	if len(opts.Voices) == 0 {
		opts.Voices = []string{opts.DefaultVoice}
	}
	return &Mock{opts: opts}
}

func (m *Mock) Start(ready func(error)) (bool, error) {
	if m.opts.StartDelay <= 0 {
		return false, nil
	}
	go func() {
		time.Sleep(m.opts.StartDelay)
		ready(nil)
	}()
	return true, nil
}

func (m *Mock) NewOutput(int) (audio.Output, error) {
	return &mockOutput{opts: m.opts}, nil
}

func (m *Mock) Close() error { return nil }

type mockOutput struct {
	opts MockOptions

	mu     sync.Mutex
	stop   chan struct{}
	closed bool
	props  map[string]any
}

func (o *mockOutput) Speak(text string, s audio.Settings, l audio.Listener) error {
	if text == "" {
		return ErrBadSpeech
	}
	words := wordSpans(text)
	stop, err := o.begin()
	if err != nil {
		return err
	}
	delay := o.opts.WordDelay
	if s.Rate > 0 {
		delay = delay * 200 / time.Duration(s.Rate)
	}
	go func() {
		l.OnStarted(audio.KindSpeech)
		for _, w := range words {
			l.OnWordBoundary(w[0], w[1])
			if !wait(stop, delay) {
				break
			}
		}
		l.OnCompleted()
	}()
	return nil
}

func (o *mockOutput) Play(src audio.Source, s audio.Settings, l audio.Listener) error {
	if !src.Local {
		if err := ValidateURL(src.URI); err != nil {
			return err
		}
	} else if src.URI == "" {
		return ErrBadResource
	}
	stop, err := o.begin()
	if err != nil {
		return err
	}
	go func() {
		l.OnStarted(audio.KindSound)
		delay := o.opts.PlayDelay
		for wait(stop, delay) && o.looping(src.Loop) {
			delay = max(delay, time.Millisecond)
		}
		l.OnCompleted()
	}()
	return nil
}

func (o *mockOutput) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
}

func (o *mockOutput) SetProperty(name string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.props == nil {
		o.props = make(map[string]any)
	}
	o.props[name] = value
	return nil
}

func (o *mockOutput) Voices() []string { return append([]string(nil), o.opts.Voices...) }

func (o *mockOutput) DefaultVoice() string { return o.opts.DefaultVoice }

func (o *mockOutput) Close() error {
	o.Stop()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

func (o *mockOutput) begin() (chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	o.stop = make(chan struct{})
	o.props = nil
	return o.stop, nil
}

// looping reports whether playback should go round again, honouring a live
// change of the loop property.
func (o *mockOutput) looping(initial bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := o.props["loop"].(bool); ok {
		return v
	}
	return initial
}

// wait returns false when stop closes first.
func wait(stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// wordSpans returns the byte offset and length of every word in text.
func wordSpans(text string) [][2]int {
	var spans [][2]int
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, [2]int{start, i - start})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(text) - start})
	}
	return spans
}
