// Package runtime assembles the memo daemon: telemetry, the embedded bus,
// device tracking, capture, the transcription queue and the local HTTP API.
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

	"github.com/loqalabs/loqa-memo/internal/bus"
	"github.com/loqalabs/loqa-memo/internal/capture"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/device"
	"github.com/loqalabs/loqa-memo/internal/natsserver"
	"github.com/loqalabs/loqa-memo/internal/protocol"
)

// eventRetention bounds how long transcription events stay in JetStream.
const eventRetention = 7 * 24 * time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetryClose func(context.Context) error
	metrics        http.Handler
	nats           *natsserver.Server
	bus            *bus.Client
	services       *Services
	devices        *device.Registry
	capture        *capture.Manager
	servers        []*http.Server

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.serve(addr, r.handler())
	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.serve(r.cfg.Telemetry.PrometheusBind, mux)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return r.shutdown()
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metrics

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	if r.services, err = Open(ctx, r.cfg, r.bus, r.logger); err != nil {
		return fmt.Errorf("open services: %w", err)
	}
	if r.devices, err = device.NewRegistry(ctx, r.cfg.Devices, r.bus, r.logger); err != nil {
		return fmt.Errorf("start device registry: %w", err)
	}

	opts := capture.Options{
		Capture:  r.cfg.Capture,
		AudioDir: r.cfg.Storage.AudioDir,
		KeyAlias: r.cfg.Security.AudioKeyAlias,
		Cipher:   r.services.Cipher,
		Selector: r.devices,
		Open:     capture.NewOpener(r.cfg.Capture, r.bus),
		Catalog:  r.services.Store,
		Queue:    r.services.Jobs,
		Status:   capture.NewBroadcaster(r.bus, r.logger),
	}
	if r.capture, err = capture.NewManager(opts, r.logger); err != nil {
		return fmt.Errorf("init capture: %w", err)
	}

	if err := r.services.Jobs.Start(ctx); err != nil {
		return fmt.Errorf("start job workers: %w", err)
	}
	return nil
}

// connectBus starts the embedded server when configured and dials it.
func (r *Runtime) connectBus(ctx context.Context) error {
	cfg := r.cfg.Bus
	srv, err := natsserver.Start(cfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		cfg.Servers = []string{srv.ClientURL()}
	}
	if r.bus, err = bus.Connect(ctx, cfg, r.logger); err != nil {
		return err
	}
	if err := r.bus.EnsureStream(protocol.StreamEvents, []string{protocol.SubjectTranscription + ".>"}, eventRetention); err != nil {
		return fmt.Errorf("ensure event stream: %w", err)
	}
	return nil
}

// handler builds the API mux. Metrics are mounted on it unless they have a
// listener of their own.
func (r *Runtime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", r.metrics)
	}
	a := &api{svc: r.services, capture: r.capture, devices: r.devices, log: r.logger.With(slog.String("component", "api"))}
	a.routes(mux)
	return mux
}

func (r *Runtime) serve(addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.servers = append(r.servers, srv)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slogError(err))
		}
	}()
}

// shutdown releases everything setup acquired, in reverse order. A running
// capture is finalized so its recording is kept.
func (r *Runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range r.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if r.capture != nil && r.capture.Active() {
		if rec, err := r.capture.Stop(ctx); err != nil {
			r.logger.Warn("capture ended with error", slog.Int64("recording_id", rec.ID), slogError(err))
		}
	}
	if r.devices != nil {
		r.devices.Close()
	}
	if r.services != nil {
		if err := r.services.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
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
