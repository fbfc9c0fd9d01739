package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-recite/internal/audio"
	"github.com/loqalabs/loqa-recite/internal/bus"
	"github.com/loqalabs/loqa-recite/internal/config"
	"github.com/loqalabs/loqa-recite/internal/correct"
	"github.com/loqalabs/loqa-recite/internal/match"
	"github.com/loqalabs/loqa-recite/internal/natsserver"
	"github.com/loqalabs/loqa-recite/internal/pipeline"
	"github.com/loqalabs/loqa-recite/internal/protocol"
	"github.com/loqalabs/loqa-recite/internal/recite"
	"github.com/loqalabs/loqa-recite/internal/store"
	"github.com/loqalabs/loqa-recite/internal/stt"
)

// JetStream stream retaining completion events.
const recordingsStream = "RECITE_RECORDINGS"

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	store   *store.Store
	pool    *stt.Pool
	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	busSvc  *recite.BusService
	service *recite.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.init(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Int("stt_pool_size", r.pool.Size()),
		slog.Bool("bus_enabled", r.bus != nil),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

// BuildPipeline assembles the verification pipeline described by cfg. The
// caller owns the returned pool and must close it.
func BuildPipeline(cfg config.Config, logger *slog.Logger) (*pipeline.Pipeline, *stt.Pool, error) {
	if dir := cfg.Audio.TempDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create audio temp dir: %w", err)
		}
	}
	ingestor, err := audio.NewIngestor(cfg.Audio, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create audio ingestor: %w", err)
	}
	corrector, err := correct.New(cfg.Correction)
	if err != nil {
		return nil, nil, fmt.Errorf("create corrector: %w", err)
	}
	matcher, err := match.New(cfg.Matcher)
	if err != nil {
		return nil, nil, fmt.Errorf("create matcher: %w", err)
	}

	size := cfg.STT.PoolSize
	if size == 0 {
		size = goruntime.NumCPU()
	}
	pool, err := stt.NewPool(size, time.Duration(cfg.STT.TimeoutMS)*time.Millisecond, func() (stt.Recognizer, error) {
		return stt.NewRecognizer(cfg.STT, cfg.Audio.TempDir)
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt pool: %w", err)
	}

	p, err := pipeline.New(pipeline.Options{
		Ingestor:    ingestor,
		Transcriber: pool,
		Corrector:   corrector,
		Matcher:     matcher,
		Workers:     cfg.Pipeline.Workers,
		Timeout:     cfg.SubmissionTimeout(),
		Logger:      logger,
	})
	if err != nil {
		_ = pool.Close(context.Background())
		return nil, nil, fmt.Errorf("create pipeline: %w", err)
	}
	return p, pool, nil
}

// init builds every component in dependency order. Components built before a
// failure are released by shutdown.
func (r *Runtime) init(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose, r.metrics = shutdownTelemetry, metrics

	if r.store, err = store.Open(ctx, r.cfg.Store, r.logger); err != nil {
		return err
	}

	p, pool, err := BuildPipeline(r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.pool = pool

	var publisher recite.Publisher
	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
		publisher = recite.NewBusPublisher(r.bus)
	}
	r.service = recite.NewService(r.store, p, publisher, r.logger)

	if r.bus != nil {
		r.busSvc = recite.NewBusService(ctx, r.service, r.bus, r.logger)
		if err := r.busSvc.Start(); err != nil {
			return fmt.Errorf("start bus service: %w", err)
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	if err := client.EnsureStream(recordingsStream, protocol.SubjectRecordingCompleted); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}
	return nil
}

func (r *Runtime) router() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	recite.Routes(mux, r.service, int64(r.cfg.Audio.MaxBytes), r.logger)
	return mux
}

// shutdown stops intake first, then waits for in-flight work before
// releasing the pool, the store and the bus.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.busSvc != nil {
		r.busSvc.Close()
	}
	if r.pool != nil {
		if err := r.pool.Close(shutdownCtx); err != nil {
			r.logger.Error("stt pool shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store shutdown error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

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

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.dependenciesReady(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) dependenciesReady(ctx context.Context) bool {
	if err := r.store.Ping(ctx); err != nil {
		r.logger.Warn("store not ready", slog.String("error", err.Error()))
		return false
	}
	if r.busSvc != nil && !r.busSvc.Healthy() {
		return false
	}
	return true
}
