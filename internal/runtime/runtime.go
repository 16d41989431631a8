package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-answer/internal/bus"
	"github.com/loqalabs/loqa-answer/internal/config"
	"github.com/loqalabs/loqa-answer/internal/eventstore"
	"github.com/loqalabs/loqa-answer/internal/flow"
	"github.com/loqalabs/loqa-answer/internal/matcher"
	"github.com/loqalabs/loqa-answer/internal/natsserver"
	"github.com/loqalabs/loqa-answer/internal/stt"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	ready     atomic.Bool
	wg        sync.WaitGroup
	closers   []func(context.Context) error
	healthFns []func() bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// LoadFlow reads the configured questionnaire, falling back to the built-in
// health questionnaire when no path is set.
func LoadFlow(cfg config.MatcherConfig) (*flow.Flow, error) {
	def := flow.Default()
	if cfg.FlowPath != "" {
		loaded, err := flow.Load(cfg.FlowPath)
		if err != nil {
			return nil, err
		}
		def = loaded
	}
	opts, err := matcher.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return flow.Compile(def, opts)
}

// Start brings up every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.start(ctx); err != nil {
		cancel()
		_ = r.shutdown()
		return err
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return r.shutdown()
}

func (r *Runtime) start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose(shutdownTelemetry)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.onClose(func(context.Context) error { return store.Close() })

	f, err := LoadFlow(r.cfg.Matcher)
	if err != nil {
		return fmt.Errorf("failed to load flow: %w", err)
	}

	busClient, positions, err := r.startBus(ctx)
	if err != nil {
		return err
	}

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("failed to create recognizer: %w", err)
		}
		svc := stt.NewService(ctx, r.cfg.STT, busClient, recognizer, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start stt: %w", err)
		}
		r.onClose(func(context.Context) error { svc.Close(); return nil })
		r.healthFns = append(r.healthFns, svc.Healthy)
	}

	var matcherSvc *matcher.Service
	if r.cfg.Matcher.Enabled {
		matcherSvc, err = matcher.NewService(ctx, r.cfg.Matcher, busClient, f, store, positions, r.logger)
		if err != nil {
			return fmt.Errorf("failed to create matcher: %w", err)
		}
		if err := matcherSvc.Start(); err != nil {
			return fmt.Errorf("failed to start matcher: %w", err)
		}
		r.onClose(func(context.Context) error { matcherSvc.Close(); return nil })
		r.healthFns = append(r.healthFns, matcherSvc.Healthy)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunRetention(ctx, retentionInterval)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	(&api{
		matcher:      matcherSvc,
		store:        store,
		maxInput:     r.cfg.Matcher.MaxInputLength,
		maxBodyBytes: r.cfg.HTTP.MaxBodyBytes,
		logger:       r.logger.With(slog.String("component", "api")),
	}).register(mux)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.onClose(httpServer.Shutdown)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("flow_start", f.Start()))
	return nil
}

func (r *Runtime) startBus(ctx context.Context) (*bus.Client, matcher.Positions, error) {
	if !r.cfg.Bus.Enabled {
		return nil, matcher.NewMemoryPositions(), nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if embedded != nil {
		r.onClose(func(context.Context) error { embedded.Shutdown(); return nil })
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect bus: %w", err)
	}
	r.onClose(func(context.Context) error { client.Close(); return nil })
	r.healthFns = append(r.healthFns, client.Healthy)

	if bucket := r.cfg.Matcher.PositionsBucket; bucket != "" {
		kv, err := client.KeyValue(bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open positions bucket: %w", err)
		}
		return client, matcher.NewKVPositions(kv), nil
	}
	return client, matcher.NewMemoryPositions(), nil
}

func (r *Runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// shutdown runs closers in reverse start order.
func (r *Runtime) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](shutdownCtx); err != nil {
			r.logger.Error("shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	r.closers = nil
	r.wg.Wait()
	return errors.Join(errs...)
}

func (r *Runtime) healthy() bool {
	for _, fn := range r.healthFns {
		if !fn() {
			return false
		}
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
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
