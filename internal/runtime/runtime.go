package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/auth"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/control"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcriber"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	events        *eventstore.Store
	timeline      *eventstore.Timeline
	manager       *transcriber.Manager
	control       *control.Service
	presence      *presence.Registry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) needsBus() bool {
	return r.cfg.Control.Enabled || r.cfg.Presence.Enabled || r.cfg.Auth.Mode == "bus" || r.cfg.Capture.Mode == "bus"
}

func (r *Runtime) Start(ctx context.Context) error {
	defer r.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.needsBus() {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.events = store
	r.timeline = eventstore.NewTimeline(store, 256, r.logger)

	gate, err := auth.NewGate(r.cfg.Auth, r.bus, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to configure authorization: %w", err)
	}
	driver, err := capture.NewDriver(r.cfg.Capture, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to configure capture: %w", err)
	}
	engine, err := stt.NewEngine(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to configure recognizer: %w", err)
	}

	r.manager = transcriber.New(transcriber.Options{
		Driver: driver,
		Format: capture.FormatFromConfig(r.cfg.Capture),
		Engine: engine,
		Gate:   gate,
		Session: stt.SessionOptions{
			QueueFrames:   r.cfg.STT.QueueFrames,
			FinishTimeout: time.Duration(r.cfg.STT.FinishTimeoutMS) * time.Millisecond,
		},
		Timeline: r.timeline,
		Runtime:  r.cfg.RuntimeName,
	}, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		authCtx, cancelAuth := context.WithTimeout(ctx, 10*time.Second)
		defer cancelAuth()
		if _, err := r.manager.Authorize(authCtx); err != nil {
			r.logger.Warn("initial authorization request failed", slog.String("error", err.Error()))
		}
	}()

	if r.bus != nil && r.cfg.Control.Enabled {
		r.control = control.NewService(ctx, r.cfg.Control, r.bus, r.manager, r.logger)
		if err := r.control.Start(); err != nil {
			return fmt.Errorf("failed to start control service: %w", err)
		}
	}

	if r.cfg.Presence.Enabled {
		local := presence.Descriptor{
			Runtime: r.cfg.RuntimeName,
			Capture: r.cfg.Capture.Mode,
			STT:     r.cfg.STT.Mode,
		}
		state := func() string { return r.manager.Snapshot().State.String() }
		registry, err := presence.NewRegistry(ctx, r.cfg.Presence, local, state, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start presence registry: %w", err)
		}
		r.presence = registry
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	registerSessionRoutes(mux, r.manager, r.logger)
	registerTimelineRoutes(mux, r.events, r.logger)
	if r.presence != nil {
		registerNodeRoutes(mux, r.presence, r.logger)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("capture", r.cfg.Capture.Mode),
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("auth", r.cfg.Auth.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = srv
	if url := srv.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.manager != nil {
		r.manager.Close()
	}
	r.wg.Wait()
	if r.timeline != nil {
		r.timeline.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busOK := r.bus == nil || r.bus.Healthy()
	controlOK := r.control == nil || r.control.Healthy()
	presenceOK := r.presence == nil || r.presence.Healthy()
	if r.ready.Load() && busOK && controlOK && presenceOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
