// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolserver wires the analyst toolkit tool server together.
//
// This package owns construction and lifecycle. It builds the session
// store, run ledger, job runner, template catalog and tool registry from
// a config.Config, puts the JSON-RPC dispatcher and ops handlers on a gin
// engine, and runs the HTTP server next to the background loops.
//
// # Usage
//
//	cfg, err := config.FromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := toolserver.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	err = svc.Run(ctx) // returns when ctx is cancelled
//
// # Background Loops
//
//   - session sweeper: evicts idle sessions every SweepInterval
//   - template watcher: reloads golden templates on fsnotify events
//   - job runner: executes async tool calls
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/artifacts"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/autoheal"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/config"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/datasource"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/gcs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/handlers"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/jobs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/middleware"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/routes"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/rpc"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/state"
	kv "github.com/AleutianAI/AnalystToolkit/services/toolserver/storage/badger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/templates"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/tools"
)

// ServerName is reported by initialize and used as the telemetry service
// name.
const ServerName = "analyst-toolkit"

// =============================================================================
// Options
// =============================================================================

type options struct {
	logger      *logging.Logger
	objectStore gcs.ObjectStore
	promReg     *prometheus.Registry
}

// Option customizes New.
type Option func(*options)

// WithLogger replaces the logger built from the config.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObjectStore replaces the GCS client. Tests pass gcs.NewMemoryStore.
func WithObjectStore(store gcs.ObjectStore) Option {
	return func(o *options) { o.objectStore = store }
}

// WithPrometheusRegistry sets the registry the collectors register on.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.promReg = reg }
}

// NewLogger builds the process logger from cfg. StructuredLogs forces JSON
// or text; unset selects JSON when stderr is not a terminal.
func NewLogger(cfg config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatAuto
	if cfg.StructuredLogs != nil {
		format = logging.FormatText
		if *cfg.StructuredLogs {
			format = logging.FormatJSON
		}
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "analyst-mcp",
		Format:  format,
	})
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled tool server.
//
// # Thread Safety
//
// Run must be called at most once. Accessors are safe for concurrent use.
type Service struct {
	cfg    config.Config
	logger *logging.Logger

	telemetry  *observability.Telemetry
	collectors *observability.Collectors
	metrics    *observability.RuntimeMetrics

	store    *state.Store
	sweeper  *state.Sweeper
	ledger   *ledger.Ledger
	jobsDB   *kv.DB
	jobStore *jobs.Store
	runner   *jobs.Runner
	catalog  *templates.Catalog
	objects  gcs.ObjectStore
	exports  *artifacts.Writer
	loader   *datasource.Loader
	registry *registry.Registry
	router   *gin.Engine

	closers []func() error
}

// New builds every component from cfg.
//
// # Description
//
// Construction order follows the dependency graph: telemetry and
// collectors, storage (badger, ledger, jobs), object storage, collaborators,
// then the registry. The auto-heal orchestrator is bound to the registry
// after Build because it invokes tools through it. Jobs a previous process
// left queued or running are marked failed before anything can enqueue.
//
// # Inputs
//
//   - ctx: Bounds startup I/O such as creating the GCS client.
//   - cfg: Validated configuration.
//
// # Outputs
//
//   - *Service: Ready to Run. Call Close when done.
//   - error: The first component that failed; everything built so far
//     is released.
func New(ctx context.Context, cfg config.Config, opts ...Option) (svc *Service, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = NewLogger(cfg)
	}
	if o.promReg == nil {
		o.promReg = prometheus.NewRegistry()
	}

	s := &Service{cfg: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if err := s.initObservability(ctx, o.promReg); err != nil {
		return nil, err
	}
	if err := s.initStorage(ctx, o.objectStore); err != nil {
		return nil, err
	}
	if err := s.initRegistry(); err != nil {
		return nil, err
	}
	s.initRouter()

	s.logger.Info("tool server initialized",
		"version", cfg.Version,
		"tools", s.registry.Len(),
		"ledger_backend", s.ledger.Backend().Name(),
		"auth", cfg.AuthEnabled(),
	)
	return s, nil
}

func (s *Service) initObservability(ctx context.Context, promReg *prometheus.Registry) error {
	tel, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    ServerName,
		ServiceVersion: s.cfg.Version,
		Environment:    s.cfg.Environment,
		TraceExporter:  s.cfg.TraceExporter,
		MetricExporter: s.cfg.MetricExporter,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		OTLPInsecure:   true,
		Registry:       promReg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetry = tel
	s.closers = append(s.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return tel.Shutdown(ctx)
	})

	instruments, err := observability.NewInstruments(tel.Meter())
	if err != nil {
		return err
	}
	s.collectors = observability.NewCollectors(promReg)
	s.metrics = observability.NewRuntimeMetrics(observability.WithRecorders(s.collectors, instruments))
	return nil
}

func (s *Service) openDB(path string, inMemory bool) (*kv.DB, error) {
	cfg := kv.DefaultConfig(path)
	if inMemory {
		cfg = kv.InMemoryConfig()
	}
	cfg.Logger = s.logger.Slog()
	db, err := kv.Open(cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)
	return db, nil
}

func (s *Service) initStorage(ctx context.Context, store gcs.ObjectStore) error {
	cfg := s.cfg

	s.store = state.NewStore(cfg.SessionTTL,
		state.WithLogger(s.logger),
		state.WithEvictHook(s.collectors.SessionEvicted),
	)
	s.sweeper = state.NewSweeper(s.store, cfg.SweepInterval, s.logger)

	jobsDB, err := s.openDB(cfg.JobStatePath, cfg.InMemoryState || cfg.JobStatePath == "")
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	s.jobsDB = jobsDB
	s.jobStore = jobs.NewStore(jobsDB,
		jobs.WithLogger(s.logger),
		jobs.WithTransitionHook(s.collectors.RecordJob),
	)
	if n, err := s.jobStore.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	} else if n > 0 {
		s.logger.Warn("previous process left jobs unfinished", "failed", n)
	}
	s.runner = jobs.NewRunner(s.jobStore, cfg.JobWorkers, cfg.JobWorkers*8, s.logger)

	if store == nil && (cfg.ReportBucket != "" || cfg.GCPCredentials != "") {
		client, err := gcs.NewClient(ctx, cfg.GCPCredentials)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, client.Close)
		store = client
	}
	s.objects = store
	s.exports = s.artifactWriter(store)

	var mirror ledger.Mirror
	if cfg.MirrorHistory && s.exports.UploadsEnabled() {
		mirror = s.exports
	}
	var backend ledger.Backend
	switch cfg.LedgerBackend {
	case config.LedgerBadger:
		db, err := s.openDB(cfg.BadgerDir, cfg.InMemoryState)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
		backend = ledger.NewBadgerBackend(db)
	default:
		backend = ledger.NewFileBackend(cfg.HistoryDir, mirror, s.logger)
	}
	s.ledger = ledger.New(backend,
		ledger.WithLogger(s.logger),
		ledger.WithObserver(s.collectors),
	)
	return nil
}

func (s *Service) artifactWriter(store gcs.ObjectStore) *artifacts.Writer {
	opts := []artifacts.Option{artifacts.WithLogger(s.logger)}
	if store != nil && s.cfg.ReportBucket != "" {
		opts = append(opts, artifacts.WithUploads(store, s.cfg.ReportBucket, s.cfg.ReportPrefix))
	}
	return artifacts.NewWriter(s.cfg.ExportDir, opts...)
}

func (s *Service) initRegistry() error {
	cfg := s.cfg

	catalog, err := templates.NewCatalog(cfg.TemplateDir,
		templates.WithMaxBytes(cfg.MaxTemplateBytes),
		templates.WithIOTimeout(cfg.TemplateIOTimeout),
		templates.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	s.catalog = catalog

	loaderOpts := []datasource.Option{datasource.WithLogger(s.logger)}
	if s.objects != nil {
		loaderOpts = append(loaderOpts, datasource.WithObjectStore(s.objects))
	}
	s.loader = datasource.NewLoader(cfg.LoadTimeout, loaderOpts...)

	orch := autoheal.New(s.ledger,
		autoheal.WithRunner(s.runner),
		autoheal.WithStore(s.store),
		autoheal.WithLogger(s.logger),
	)
	b := registry.NewBuilder()
	tools.Register(b, &tools.Deps{
		Store:           s.store,
		Ledger:          s.ledger,
		Loader:          s.loader,
		Artifacts:       s.exports,
		Templates:       catalog,
		Jobs:            s.jobStore,
		AutoHeal:        orch,
		RunHistoryLimit: cfg.RunHistoryLimit,
		Logger:          s.logger,
	})
	reg, err := b.Build()
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	orch.Bind(reg)
	s.registry = reg
	return nil
}

func (s *Service) initRouter() {
	cfg := s.cfg
	if cfg.GinMode != "" && gin.Mode() != gin.TestMode {
		gin.SetMode(cfg.GinMode)
	}

	dispatcher := rpc.NewDispatcher(s.registry, rpc.ServerInfo{Name: ServerName, Version: cfg.Version},
		rpc.WithResources(s.catalog),
		rpc.WithResourceTimeout(cfg.ResourceTimeout),
		rpc.WithResourceTemplates(cfg.AdvertiseResourceTemplates),
		rpc.WithMetrics(s.metrics),
		rpc.WithToolStatus(s.collectors),
		rpc.WithTracer(s.telemetry.Tracer()),
		rpc.WithLogger(s.logger),
	)
	ops := &handlers.Ops{
		Version:    cfg.Version,
		Tools:      s.registry,
		Metrics:    s.metrics,
		Collectors: s.collectors,
		Logger:     s.logger,
		OnScrape:   func() { s.collectors.SetActiveSessions(s.store.Len()) },
		Checks: []handlers.Check{
			{Name: "ledger", Fn: s.ledger.Ping},
			{Name: "job_store", Fn: s.jobsDB.Ping},
		},
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServerName, otelgin.WithTracerProvider(s.telemetry.TracerProvider)))
	routes.SetupRoutes(s.router, routes.Handlers{
		RPC:      handlers.NewRPC(dispatcher, s.metrics),
		Ops:      ops,
		Verifier: middleware.NewTokenVerifier(cfg.AuthToken),
		Limiter:  middleware.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Router returns the gin engine. Tests drive it with httptest.
func (s *Service) Router() *gin.Engine { return s.router }

// Registry returns the sealed tool registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Metrics returns the runtime counters.
func (s *Service) Metrics() *observability.RuntimeMetrics { return s.metrics }

// Store returns the session store.
func (s *Service) Store() *state.Store { return s.store }

// Ledger returns the run ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Jobs returns the job store.
func (s *Service) Jobs() *jobs.Store { return s.jobStore }

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the background loops without the HTTP server. Run calls
// it; tests that drive Router directly call it themselves.
func (s *Service) Start(ctx context.Context) error {
	if err := s.runner.Start(ctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}
	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start session sweeper: %w", err)
	}
	return nil
}

// Run serves HTTP on the configured port until ctx is cancelled or the
// server fails, then shuts down gracefully within ShutdownTimeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting tool server", "addr", srv.Addr, "version", s.cfg.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.catalog.Watch(gctx); err != nil {
			// Hot reload is a convenience; the catalog keeps serving the last scan.
			s.logger.Warn("template watcher stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down tool server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close stops the background loops and releases storage, in reverse
// construction order. Safe to call after a failed New.
func (s *Service) Close() error {
	var errs []error
	if s.runner != nil {
		s.runner.Stop()
	}
	if s.sweeper != nil {
		if err := s.sweeper.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
