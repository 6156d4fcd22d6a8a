package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/outfox/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecOptions configures the external-command backend.
type ExecOptions struct {
	// SpeechCommand reads the text on stdin. Placeholders: {voice} {rate}
	// {volume}.
	SpeechCommand string
	// PlayCommand plays one resource. Placeholders: {uri} {volume} {loop}.
	PlayCommand  string
	DefaultVoice string
	Voices       []string
	Resolver     *Resolver
}

// Exec runs one external process per operation.
type Exec struct {
	speech   []string
	play     []string
	voice    string
	voices   []string
	resolver *Resolver
	logger   *slog.Logger
}

func NewExec(opts ExecOptions, logger *slog.Logger) (*Exec, error) {
	speech, err := parseCommand(opts.SpeechCommand)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	play, err := parseCommand(opts.PlayCommand)
	if err != nil {
		return nil, fmt.Errorf("parse play command: %w", err)
	}
	if len(speech) == 0 && len(play) == 0 {
		return nil, errors.New("exec driver needs a speech or play command")
	}
	voices := opts.Voices
	if len(voices) == 0 && opts.DefaultVoice != "" {
		voices = []string{opts.DefaultVoice}
	}
	return &Exec{
		speech:   speech,
		play:     play,
		voice:    opts.DefaultVoice,
		voices:   voices,
		resolver: opts.Resolver,
		logger:   logger.With(slog.String("component", "exec-driver")),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil
	}
	parser := shellwords.NewParser()
	return parser.Parse(command)
}

func (e *Exec) Start(func(error)) (bool, error) { return false, nil }

func (e *Exec) NewOutput(channel int) (audio.Output, error) {
	return &execOutput{
		exec:   e,
		logger: e.logger.With(slog.Int("channel", channel)),
	}, nil
}

func (e *Exec) Close() error {
	if e.resolver != nil {
		return e.resolver.Close()
	}
	return nil
}

type execOutput struct {
	exec   *Exec
	logger *slog.Logger

	mu     sync.Mutex
	op     *execOp
	closed bool
}

// execOp is one running operation. stopped distinguishes an explicit stop
// from a failing process.
type execOp struct {
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
}

func (op *execOp) stop() {
	op.mu.Lock()
	op.stopped = true
	op.mu.Unlock()
	op.cancel()
}

func (op *execOp) wasStopped() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.stopped
}

func (o *execOutput) Speak(text string, s audio.Settings, l audio.Listener) error {
	if len(o.exec.speech) == 0 {
		return ErrBadSpeech
	}
	if text == "" {
		return ErrBadSpeech
	}
	args := expand(o.exec.speech, placeholders(s, "", false))
	op, ctx, err := o.begin()
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Start(); err != nil {
		op.cancel()
		o.logger.Warn("failed to start speech command", slogError(err))
		return ErrBadSpeech
	}
	go func() {
		l.OnStarted(audio.KindSpeech)
		o.finish(op, cmd.Wait(), l)
	}()
	return nil
}

func (o *execOutput) Play(src audio.Source, s audio.Settings, l audio.Listener) error {
	if len(o.exec.play) == 0 {
		return ErrBadResource
	}
	uri := src.URI
	switch {
	case src.Local:
		if err := Probe(uri); err != nil {
			return err
		}
	default:
		if err := ValidateURL(uri); err != nil {
			return err
		}
	}
	op, ctx, err := o.begin()
	if err != nil {
		return err
	}

	go func() {
		if src.Cache && o.exec.resolver != nil {
			path, err := o.exec.resolver.Fetch(ctx, uri)
			if err == nil {
				err = Probe(path)
			}
			if err != nil {
				o.finish(op, err, l)
				return
			}
			uri = path
		}
		args := expand(o.exec.play, placeholders(s, uri, src.Loop))
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if err := cmd.Start(); err != nil {
			o.finish(op, err, l)
			return
		}
		l.OnStarted(audio.KindSound)
		o.finish(op, cmd.Wait(), l)
	}()
	return nil
}

func (o *execOutput) begin() (*execOp, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	op := &execOp{cancel: cancel}
	o.op = op
	return op, ctx, nil
}

func (o *execOutput) finish(op *execOp, err error, l audio.Listener) {
	op.cancel()
	o.mu.Lock()
	if o.op == op {
		o.op = nil
	}
	o.mu.Unlock()

	switch {
	case op.wasStopped():
		l.OnCompleted()
	case err != nil:
		o.logger.Debug("output command failed", slogError(err))
		l.OnError(describe(err))
	default:
		l.OnCompleted()
	}
}

func (o *execOutput) Stop() {
	o.mu.Lock()
	op := o.op
	o.mu.Unlock()
	if op != nil {
		op.stop()
	}
}

// SetProperty cannot reach a running process; new values apply to the
// next operation through Settings.
func (o *execOutput) SetProperty(string, any) error { return nil }

func (o *execOutput) Voices() []string { return append([]string(nil), o.exec.voices...) }

func (o *execOutput) DefaultVoice() string { return o.exec.voice }

func (o *execOutput) Close() error {
	o.Stop()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

func placeholders(s audio.Settings, uri string, loop bool) map[string]string {
	loopFlag := "0"
	if loop {
		loopFlag = "1"
	}
	return map[string]string{
		"{voice}":  s.Voice,
		"{rate}":   strconv.Itoa(s.Rate),
		"{volume}": strconv.FormatFloat(s.Volume, 'f', 2, 64),
		"{uri}":    uri,
		"{loop}":   loopFlag,
	}
}

func expand(args []string, values map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		for k, v := range values {
			arg = strings.ReplaceAll(arg, k, v)
		}
		out[i] = arg
	}
	return out
}

// describe maps driver errors to the protocol texts the page understands.
func describe(err error) string {
	for _, known := range []error{ErrBadURL, ErrBadResource, ErrBadFormat, ErrBadSpeech} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
