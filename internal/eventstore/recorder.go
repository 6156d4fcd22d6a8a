package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/outfox/internal/protocol"
	"go.opentelemetry.io/otel/trace"
)

// Recorder feeds router traffic into the store from a background writer so
// the event loop never waits on disk. Entries are dropped when the queue is
// full.
type Recorder struct {
	store   *Store
	service string
	log     *slog.Logger
	queue   chan entry
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type entry struct {
	openPage bool
	event    Event
}

func NewRecorder(store *Store, service string, queueSize int, log *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		store:   store,
		service: service,
		log:     log.With(slog.String("component", "event-recorder")),
		queue:   make(chan entry, queueSize),
		done:    make(chan struct{}),
	}
}

// Run writes queued entries until Close. It returns once the queue is
// empty.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for e := range r.queue {
		var err error
		if e.openPage {
			err = r.store.OpenPage(ctx, e.event.PageID, r.service)
		} else {
			err = r.store.AppendEvent(ctx, e.event)
		}
		if err != nil {
			r.log.Warn("failed to record event",
				slog.String("page", e.event.PageID),
				slog.String("type", e.event.Type()),
				slog.String("error", err.Error()))
		}
	}
}

// Close stops accepting entries and waits for Run to flush the queue.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	if n := r.dropped.Load(); n > 0 {
		r.log.Warn("event recorder dropped entries", slog.Int64("count", n))
	}
}

// Dropped reports how many entries did not fit the queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) PageOpened(_ context.Context, page string) {
	r.enqueue(entry{openPage: true, event: Event{PageID: page}})
}

func (r *Recorder) Command(ctx context.Context, page string, cmd protocol.Command) {
	channel, _ := cmd.Channel()
	r.enqueue(entry{event: Event{
		PageID:  page,
		TraceID: traceID(ctx),
		Kind:    KindCommand,
		Action:  string(cmd.Action()),
		Channel: channel,
		Payload: marshal(cmd),
	}})
}

func (r *Recorder) Notification(ctx context.Context, page string, n protocol.Notification) {
	channel, _ := n.Get("channel").(int)
	r.enqueue(entry{event: Event{
		PageID:  page,
		TraceID: traceID(ctx),
		Kind:    KindNotification,
		Action:  string(n.Action),
		Channel: channel,
		Payload: marshal(n),
	}})
}

func (r *Recorder) enqueue(e entry) {
	e.event.CreatedAt = r.store.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
