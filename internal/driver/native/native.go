// Package native plays audio through the host sound device using miniaudio.
package native

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/loqalabs/outfox/internal/audio"
	"github.com/loqalabs/outfox/internal/driver"
	"github.com/mattn/go-shellwords"
)

// Options configures the device backend.
type Options struct {
	// SpeechCommand reads text on stdin and writes a WAV stream to stdout.
	// Placeholders: {voice} {rate}.
	SpeechCommand string
	DefaultVoice  string
	Voices        []string
	Resolver      *driver.Resolver
}

// Backend owns the miniaudio context shared by every channel.
type Backend struct {
	speech   []string
	voice    string
	voices   []string
	resolver *driver.Resolver
	logger   *slog.Logger

	initContext func(logf func(string)) (*malgo.AllocatedContext, error)
	freeContext func(*malgo.AllocatedContext)

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	waiters []func(error)
	closed  bool
}

func initContext(logf func(string)) (*malgo.AllocatedContext, error) {
	return malgo.InitContext(nil, malgo.ContextConfig{}, logf)
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

func New(opts Options, logger *slog.Logger) (*Backend, error) {
	var speech []string
	if strings.TrimSpace(opts.SpeechCommand) != "" {
		args, err := shellwords.NewParser().Parse(opts.SpeechCommand)
		if err != nil {
			return nil, fmt.Errorf("parse speech command: %w", err)
		}
		speech = args
	}
	if opts.Resolver == nil {
		return nil, errors.New("native driver needs a sound cache")
	}
	voices := opts.Voices
	if len(voices) == 0 && opts.DefaultVoice != "" {
		voices = []string{opts.DefaultVoice}
	}
	return &Backend{
		speech:   speech,
		voice:    opts.DefaultVoice,
		voices:   voices,
		resolver: opts.Resolver,
		logger:   logger.With(slog.String("component", "native-driver")),

		initContext: initContext,
		freeContext: freeContext,
	}, nil
}

// Start initialises the audio context off the caller's goroutine; device
// enumeration can take a while on some hosts. The context is shared by every
// page: later starts reuse it, or wait on the bring-up already in flight.
func (b *Backend) Start(ready func(error)) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, driver.ErrClosed
	}
	if b.ctx != nil {
		return false, nil
	}
	b.waiters = append(b.waiters, ready)
	if len(b.waiters) == 1 {
		go b.bringUp()
	}
	return true, nil
}

func (b *Backend) bringUp() {
	ctx, err := b.initContext(func(msg string) {
		b.logger.Debug("miniaudio", slog.String("message", strings.TrimSpace(msg)))
	})
	if err != nil {
		err = fmt.Errorf("initialise audio context: %w", err)
	}

	b.mu.Lock()
	if err == nil && b.closed {
		b.freeContext(ctx)
		err = driver.ErrClosed
	} else if err == nil {
		b.ctx = ctx
	}
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, ready := range waiters {
		ready(err)
	}
}

func (b *Backend) NewOutput(channel int) (audio.Output, error) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil {
		return nil, errors.New("audio context not initialised")
	}
	return &output{
		backend: b,
		ctx:     ctx,
		logger:  b.logger.With(slog.Int("channel", channel)),
	}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	ctx := b.ctx
	b.ctx = nil
	b.closed = true
	b.mu.Unlock()
	if ctx != nil {
		b.freeContext(ctx)
	}
	return b.resolver.Close()
}

type output struct {
	backend *Backend
	ctx     *malgo.AllocatedContext
	logger  *slog.Logger

	mu     sync.Mutex
	op     *operation
	closed bool
}

// operation is one playback. volume and loop are read from the device
// callback and may change while it runs.
type operation struct {
	cancel  context.CancelFunc
	ctx     context.Context
	volume  atomic.Uint64
	loop    atomic.Bool
	stopped atomic.Bool
}

func (op *operation) setVolume(v float64) { op.volume.Store(math.Float64bits(v)) }

func (op *operation) gain() float64 { return math.Float64frombits(op.volume.Load()) }

func (o *output) Speak(text string, s audio.Settings, l audio.Listener) error {
	if len(o.backend.speech) == 0 || text == "" {
		return driver.ErrBadSpeech
	}
	op, err := o.begin(s, false)
	if err != nil {
		return err
	}
	args := make([]string, len(o.backend.speech))
	for i, arg := range o.backend.speech {
		arg = strings.ReplaceAll(arg, "{voice}", s.Voice)
		args[i] = strings.ReplaceAll(arg, "{rate}", strconv.Itoa(s.Rate))
	}
	go func() {
		var stdout bytes.Buffer
		cmd := exec.CommandContext(op.ctx, args[0], args[1:]...)
		cmd.Stdin = strings.NewReader(text)
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			o.finish(op, driver.ErrBadSpeech, l)
			return
		}
		pcm, err := decodeWAV(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			o.finish(op, driver.ErrBadSpeech, l)
			return
		}
		o.finish(op, o.render(op, pcm, audio.KindSpeech, l), l)
	}()
	return nil
}

func (o *output) Play(src audio.Source, s audio.Settings, l audio.Listener) error {
	if src.Local {
		if err := driver.Probe(src.URI); err != nil {
			return err
		}
	} else if err := driver.ValidateURL(src.URI); err != nil {
		return err
	}
	op, err := o.begin(s, src.Loop)
	if err != nil {
		return err
	}
	go func() {
		path := src.URI
		if !src.Local {
			fetched, err := o.backend.resolver.Fetch(op.ctx, src.URI)
			if err == nil {
				err = driver.Probe(fetched)
			}
			if err != nil {
				o.finish(op, err, l)
				return
			}
			path = fetched
		}
		pcm, err := decodeFile(path)
		if err != nil {
			o.finish(op, err, l)
			return
		}
		o.finish(op, o.render(op, pcm, audio.KindSound, l), l)
	}()
	return nil
}

func (o *output) begin(s audio.Settings, loop bool) (*operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, driver.ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{ctx: ctx, cancel: cancel}
	op.setVolume(s.Volume)
	op.loop.Store(loop)
	o.op = op
	return op, nil
}

// render plays pcm on a dedicated device until it drains or the operation
// is stopped. The device is torn down here, never inside its callback.
func (o *output) render(op *operation, pcm clip, kind audio.OutputKind, l audio.Listener) error {
	if len(pcm.data) == 0 {
		return driver.ErrBadFormat
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(pcm.channels)
	cfg.SampleRate = uint32(pcm.rate)

	done := make(chan struct{})
	var once sync.Once
	pos := 0
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			n := 0
			for n < len(out) {
				if pos >= len(pcm.data) {
					if !op.loop.Load() {
						break
					}
					pos = 0
				}
				c := copy(out[n:], pcm.data[pos:])
				pos += c
				n += c
			}
			clear(out[n:])
			applyGain(out[:n], op.gain())
			if n < len(out) {
				once.Do(func() { close(done) })
			}
		},
	}
	device, err := malgo.InitDevice(o.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("open playback device: %w", err)
	}
	defer device.Uninit()
	if err := device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	l.OnStarted(kind)
	select {
	case <-done:
	case <-op.ctx.Done():
	}
	_ = device.Stop()
	return nil
}

func (o *output) finish(op *operation, err error, l audio.Listener) {
	op.cancel()
	o.mu.Lock()
	if o.op == op {
		o.op = nil
	}
	o.mu.Unlock()
	switch {
	case op.stopped.Load():
		l.OnCompleted()
	case err != nil:
		o.logger.Debug("playback failed", slog.String("error", err.Error()))
		l.OnError(describe(err))
	default:
		l.OnCompleted()
	}
}

func (o *output) current() *operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.op
}

func (o *output) Stop() {
	if op := o.current(); op != nil {
		op.stopped.Store(true)
		op.cancel()
	}
}

func (o *output) SetProperty(name string, value any) error {
	op := o.current()
	if op == nil {
		return nil
	}
	switch name {
	case "volume":
		if v, ok := value.(float64); ok {
			op.setVolume(v)
		}
	case "loop":
		if v, ok := value.(bool); ok {
			op.loop.Store(v)
		}
	}
	return nil
}

func (o *output) Voices() []string { return append([]string(nil), o.backend.voices...) }

func (o *output) DefaultVoice() string { return o.backend.voice }

func (o *output) Close() error {
	o.Stop()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

func describe(err error) string {
	for _, known := range []error{driver.ErrBadURL, driver.ErrBadResource, driver.ErrBadFormat, driver.ErrBadSpeech} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

// clip is interleaved signed 16-bit little-endian PCM.
type clip struct {
	data     []byte
	channels int
	rate     int
}

func decodeFile(path string) (clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return clip{}, driver.ErrBadResource
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return decodeMP3(f)
	default:
		return decodeWAV(f)
	}
}

func decodeWAV(r io.ReadSeeker) (clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return clip{}, driver.ErrBadFormat
	}
	buf, err := d.FullPCMBuffer()
	if err != nil || buf == nil || buf.Format == nil {
		return clip{}, driver.ErrBadFormat
	}
	shift := int(d.BitDepth) - 16
	data := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case d.BitDepth == 8:
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		}
		binary.LittleEndian.PutUint16(data[2*i:], uint16(int16(v)))
	}
	return clip{data: data, channels: buf.Format.NumChannels, rate: buf.Format.SampleRate}, nil
}

func decodeMP3(r io.Reader) (clip, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return clip{}, driver.ErrBadFormat
	}
	data, err := io.ReadAll(d)
	if err != nil {
		return clip{}, driver.ErrBadFormat
	}
	return clip{data: data, channels: 2, rate: d.SampleRate()}, nil
}

func applyGain(pcm []byte, gain float64) {
	if gain >= 1 {
		return
	}
	gain = max(gain, 0)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s*gain)))
	}
}
