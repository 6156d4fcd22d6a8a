package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/outfox/internal/audio"
	"github.com/loqalabs/outfox/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loqalabs/outfox/router"

// Page is the per-page controller the router dispatches to.
type Page interface {
	PushRequest(cmd protocol.Command) error
	Sweep(now time.Time)
}

// PageFactory builds the controller for a page id seen for the first time.
type PageFactory func(id protocol.PageID, notify func(protocol.Notification)) Page

// Sink receives encoded response envelopes.
type Sink interface {
	Send(ctx context.Context, data []byte) error
}

// Recorder observes traffic for the event timeline. Implementations must
// not block.
type Recorder interface {
	PageOpened(ctx context.Context, page string)
	Command(ctx context.Context, page string, cmd protocol.Command)
	Notification(ctx context.Context, page string, n protocol.Notification)
}

// Options configures a Service.
type Options struct {
	ServiceName string
	NewPage     PageFactory
	Sink        Sink
	Recorder    Recorder
	Metrics     *audio.Metrics
	Tracer      trace.Tracer
}

// Service multiplexes pages over one transport connection.
type Service struct {
	name     string
	newPage  PageFactory
	sink     Sink
	recorder Recorder
	metrics  *audio.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	pages    map[protocol.PageID]Page
}

func NewService(opts Options, logger *slog.Logger) *Service {
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Service{
		name:     opts.ServiceName,
		newPage:  opts.NewPage,
		sink:     opts.Sink,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   logger.With(slog.String("component", "router")),
		pages:    make(map[protocol.PageID]Page),
	}
}

// AudioPages returns a PageFactory building audio page controllers.
func AudioPages(opts audio.PageOptions) PageFactory {
	return func(id protocol.PageID, notify func(protocol.Notification)) Page {
		o := opts
		if o.Logger != nil {
			o.Logger = o.Logger.With(slog.String("page", id.String()))
		}
		return audio.NewPageController(o, notify)
	}
}

// Pages returns the number of live pages.
func (s *Service) Pages() int { return len(s.pages) }

// Dispatch handles one inbound envelope. It must be called from the event
// loop.
func (s *Service) Dispatch(ctx context.Context, data []byte) {
	ctx, span := s.tracer.Start(ctx, "router.dispatch")
	defer span.End()

	pageID, cmd, err := protocol.DecodeEnvelope(data)
	if err != nil {
		if pageID == "" {
			s.logger.Debug("dropping undeliverable envelope", slogError(err))
			span.SetStatus(codes.Error, "undeliverable envelope")
			return
		}
		s.logger.Warn("rejecting envelope without command", slog.String("page", pageID.String()), slogError(err))
		span.RecordError(err)
		s.emit(ctx, pageID, protocol.NewNotification(protocol.EventError, map[string]any{"description": err.Error()}))
		return
	}

	action := cmd.Action()
	span.SetAttributes(
		attribute.String("outfox.page", pageID.String()),
		attribute.String("outfox.action", string(action)),
	)

	page, ok := s.pages[pageID]
	if !ok {
		page = s.newPage(pageID, func(n protocol.Notification) { s.emit(context.Background(), pageID, n) })
		s.pages[pageID] = page
		s.metrics.PageOpened()
		if s.recorder != nil {
			s.recorder.PageOpened(ctx, pageID.String())
		}
	}
	if s.recorder != nil {
		s.recorder.Command(ctx, pageID.String(), cmd)
	}

	if err := push(page, cmd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "page failure")
		s.logger.Error("page failed, service unusable", slog.String("page", pageID.String()), slogError(err))
		s.removePage(pageID)
		s.metrics.Fatal()
		s.Fail(ctx, err.Error())
		return
	}
	if action == protocol.ActionStopService {
		s.removePage(pageID)
	}
}

// Fail reports a service-wide failure to the wildcard page.
func (s *Service) Fail(ctx context.Context, description string) {
	s.emit(ctx, protocol.WildcardPage, protocol.NewNotification(protocol.EventFailedService, map[string]any{"description": description}))
}

// Sweep runs the watchdogs of every page.
func (s *Service) Sweep(now time.Time) {
	for _, page := range s.pages {
		page.Sweep(now)
	}
}

// Close stops every page that is still live.
func (s *Service) Close() {
	stop := protocol.NewCommand(protocol.ActionStopService, nil)
	for id, page := range s.pages {
		if err := push(page, stop); err != nil {
			s.logger.Warn("page shutdown failed", slog.String("page", id.String()), slogError(err))
		}
		s.removePage(id)
	}
}

func (s *Service) removePage(id protocol.PageID) {
	if _, ok := s.pages[id]; !ok {
		return
	}
	delete(s.pages, id)
	s.metrics.PageClosed()
}

func (s *Service) emit(ctx context.Context, page protocol.PageID, n protocol.Notification) {
	n = n.With("service", s.name)
	if s.recorder != nil {
		s.recorder.Notification(ctx, page.String(), n)
	}
	data, err := protocol.EncodeResponse(page, n)
	if err != nil {
		s.logger.Warn("failed to encode response", slogError(err))
		return
	}
	if err := s.sink.Send(context.WithoutCancel(ctx), data); err != nil {
		s.logger.Warn("failed to send response", slog.String("page", page.String()), slogError(err))
	}
}

func push(page Page, cmd protocol.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page panicked: %v", r)
		}
	}()
	if err := page.PushRequest(cmd); err != nil {
		return err
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
