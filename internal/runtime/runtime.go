package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/outfox/internal/audio"
	"github.com/loqalabs/outfox/internal/config"
	"github.com/loqalabs/outfox/internal/eventloop"
	"github.com/loqalabs/outfox/internal/eventstore"
	"github.com/loqalabs/outfox/internal/router"
	"github.com/loqalabs/outfox/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	telemetryStop func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start serves pages until the transport ends or ctx is cancelled. A peer
// hanging up is a clean exit.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry
	defer r.stopTelemetry()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()
	recorder := eventstore.NewRecorder(store, r.cfg.Service.Name, r.cfg.EventStore.QueueSize, r.logger)
	go recorder.Run(context.WithoutCancel(ctx))
	defer recorder.Close()

	tr, err := buildTransport(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup transport: %w", err)
	}
	defer tr.release()

	metrics, err := audio.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	loop := eventloop.New(eventloop.Options{
		Tick:      time.Duration(r.cfg.Service.TickMS) * time.Millisecond,
		InboxSize: r.cfg.Service.InboxSize,
	}, r.logger)

	backend, backendErr := buildBackend(r.cfg.Driver, r.logger)
	svc := router.NewService(router.Options{
		ServiceName: r.cfg.Service.Name,
		NewPage: router.AudioPages(audio.PageOptions{
			Backend:   backend,
			Scheduler: loop.Scheduler(),
			Defaults: audio.Settings{
				Volume: r.cfg.Channel.Volume,
				Rate:   r.cfg.Channel.Rate,
				Loop:   r.cfg.Channel.Loop,
			},
			Watchdog: time.Duration(r.cfg.Channel.WatchdogMS) * time.Millisecond,
			Metrics:  metrics,
			Logger:   r.logger,
		}),
		Sink:     tr,
		Recorder: recorder,
		Metrics:  metrics,
	}, r.logger)
	loop.OnTick(svc.Sweep)

	if r.cfg.HTTP.Enabled {
		r.startHTTP(tr.Transport, metricsHandler)
		defer r.stopHTTP()
	}

	if backendErr != nil {
		return r.fail(ctx, svc, tr, backendErr)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			r.logger.Warn("backend close failed", slog.String("error", err.Error()))
		}
	}()

	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("service", r.cfg.Service.Name),
		slog.String("transport", tr.Name()),
		slog.String("driver", r.cfg.Driver.Mode))

	listenErr := tr.Listen(ctx, func(ctx context.Context, frame []byte) {
		if err := loop.Submit(ctx, func() { svc.Dispatch(ctx, frame) }); err != nil {
			r.logger.Warn("inbound envelope not dispatched", slog.String("error", err.Error()))
		}
	})
	r.ready.Store(false)
	if errors.Is(listenErr, context.Canceled) {
		listenErr = nil
	}
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := loop.Call(shutdownCtx, svc.Close); err != nil {
		r.logger.Warn("page shutdown incomplete", slog.String("error", err.Error()))
	}
	stopLoop()
	<-loopDone
	_ = tr.Close()

	return listenErr
}

// fail reports a backend that cannot be brought up to every page and
// returns once the report has been flushed.
func (r *Runtime) fail(ctx context.Context, svc *router.Service, tr *link, cause error) error {
	r.logger.Error("audio backend unavailable", slog.String("error", cause.Error()))
	svc.Fail(ctx, cause.Error())
	_ = tr.Close()
	flushCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := tr.Listen(flushCtx, func(context.Context, []byte) {}); err != nil {
		r.logger.Warn("failed to deliver failure report", slog.String("error", err.Error()))
	}
	return fmt.Errorf("failed to start audio backend: %w", cause)
}

func (r *Runtime) startHTTP(t transport.Transport, metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if ws, ok := t.(interface {
		http.Handler
		Path() string
	}); ok {
		mux.Handle(ws.Path(), ws)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", addr))
}

func (r *Runtime) stopHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

func (r *Runtime) stopTelemetry() {
	if r.telemetryStop == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.telemetryStop(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
