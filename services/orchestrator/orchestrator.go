// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the request orchestration service: the
// queue and worker pool, VRAM admission, routing, the execution
// pipeline, the session hub, storage, health loops, and the HTTP
// surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/kodiak/services/orchestrator/backends"
	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/extract"
	"github.com/AleutianAI/kodiak/services/orchestrator/health"
	"github.com/AleutianAI/kodiak/services/orchestrator/hub"
	"github.com/AleutianAI/kodiak/services/orchestrator/middleware"
	"github.com/AleutianAI/kodiak/services/orchestrator/pipeline"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
	"github.com/AleutianAI/kodiak/services/orchestrator/queue"
	"github.com/AleutianAI/kodiak/services/orchestrator/routes"
	"github.com/AleutianAI/kodiak/services/orchestrator/routing"
	"github.com/AleutianAI/kodiak/services/orchestrator/storage"
	"github.com/AleutianAI/kodiak/services/orchestrator/vram"
)

// Config carries everything the service needs at startup. The cmd layer
// fills it from the environment.
type Config struct {
	ListenAddr string

	DataDir         string
	ProfilesDir     string
	ActiveProfile   string
	FallbackProfile string

	AdminToken string

	OllamaURL   string
	SGLangURL   string
	VLLMURL     string
	TensorRTURL string

	SearchBaseURL string
	BrainBaseURL  string
	ImageBaseURL  string
	WorkspaceDir  string

	LogDir           string
	LogRetentionDays int

	Workers      int
	QueueMaxSize int
	MaxRetries   int
	VRAMStrategy string

	// OTLPEndpoint enables tracing when set (host:port of the
	// collector's gRPC listener).
	OTLPEndpoint string
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":12300"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/kodiak"
	}
	if c.OllamaURL == "" {
		c.OllamaURL = "http://localhost:11434"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = filepath.Join(c.DataDir, "workspace")
	}
}

// Service is the assembled orchestrator.
type Service struct {
	cfg    Config
	logger *slog.Logger

	db       *storage.DB
	files    *storage.FileStore
	users    *storage.UserStore
	registry *profile.Registry
	fallback *profile.FallbackManager
	manager  *backends.Manager
	vram     *vram.Orchestrator
	queue    *queue.Queue
	cancels  *queue.CancelRegistry
	pool     *queue.Pool
	hub      *hub.Hub
	checker  *health.Checker
	writer   *health.Writer
	cleaner  *health.LogCleaner
	guard    *middleware.MaintenanceGuard
	router   *gin.Engine
}

// New wires the service. Nothing is started; call Run.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(storage.DefaultConfig(filepath.Join(cfg.DataDir, "badger")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	conversations := storage.NewConversationStore(db)
	users := storage.NewUserStore(db)
	notes := storage.NewNoteStore(db)
	metrics := storage.NewMetricStore(db, 0)
	files, err := storage.NewFileStore(db,
		filepath.Join(cfg.DataDir, "uploads"),
		filepath.Join(cfg.DataDir, "artifacts"), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry, err := profile.NewRegistry(cfg.ProfilesDir, cfg.ActiveProfile, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	if err := registry.Watch(cfg.ProfilesDir); err != nil {
		logger.Warn("Profile hot-reload disabled", "error", err)
	}

	manager := backends.NewManager(logger)
	manager.Register(backends.NewOllamaManager(cfg.OllamaURL, logger))
	if cfg.SGLangURL != "" {
		manager.Register(backends.NewOpenAICompatManager(datatypes.BackendSGLang, cfg.SGLangURL, nil, logger))
	}
	if cfg.VLLMURL != "" {
		manager.Register(backends.NewOpenAICompatManager(datatypes.BackendVLLM, cfg.VLLMURL, nil, logger))
	}
	if cfg.TensorRTURL != "" {
		manager.Register(backends.NewOpenAICompatManager(datatypes.BackendTensorRT, cfg.TensorRTURL, nil, logger))
	}

	probe := func(ctx context.Context) error {
		b, err := manager.Backend(datatypes.BackendOllama)
		if err != nil {
			return err
		}
		return b.Healthy(ctx)
	}
	fallback := profile.NewFallbackManager(registry, cfg.FallbackProfile, probe, logger)

	sampler := vram.NewMemorySampler("", logger)
	vramOrch := vram.New(vram.Config{Strategy: cfg.VRAMStrategy},
		registry, fallback, manager, sampler, logger)

	q := queue.New(queue.Config{MaxSize: cfg.QueueMaxSize, MaxRetries: cfg.MaxRetries}, logger)
	cancels := queue.NewCancelRegistry()
	h := hub.New(logger)

	client := pipeline.NewClient(registry, vramOrch, manager)
	pipe := pipeline.New(pipeline.Config{
		Registry:      registry,
		Client:        client,
		Classifier:    routing.NewClassifier(registry, client, logger),
		Resolver:      routing.NewResolver(registry, logger),
		Extractors:    extract.NewRegistry(logger),
		Conversations: conversations,
		Users:         users,
		Artifacts:     files,
		Sink:          h,
		Tools: pipeline.ToolConfig{
			WorkspaceDir:  cfg.WorkspaceDir,
			BrainBaseURL:  cfg.BrainBaseURL,
			SearchBaseURL: cfg.SearchBaseURL,
			ImageBaseURL:  cfg.ImageBaseURL,
			Notes:         notes,
			Asker:         h,
		},
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})
	pool := queue.NewPool(q, cancels, pipe.Handle, cfg.Workers, logger)

	checker := health.NewChecker(health.Config{}, nil, logger)
	checker.RegisterTarget("ollama", probe)
	if cfg.SearchBaseURL != "" {
		checker.RegisterTarget("searxng", httpProbe(cfg.SearchBaseURL))
	}
	if cfg.BrainBaseURL != "" {
		checker.RegisterTarget("brain", httpProbe(cfg.BrainBaseURL))
	}

	writer := health.NewWriter(metrics, []health.MetricSource{
		{Type: "system", Collect: func() any { return vramOrch.Status() }},
		{Type: "health", Collect: func() any { return checker.Status() }},
		{Type: "queue", Collect: func() any { return q.QueueStats() }},
	}, 5*time.Second, logger)

	var cleaner *health.LogCleaner
	if cfg.LogDir != "" {
		cleaner = health.NewLogCleaner(cfg.LogDir, cfg.LogRetentionDays, logger)
	}

	guard := middleware.NewMaintenanceGuard()

	router := gin.New()
	router.Use(gin.Recovery())
	routes.Setup(router, routes.Deps{
		Queue:      q,
		Cancels:    cancels,
		Hub:        h,
		VRAM:       vramOrch,
		Sampler:    sampler,
		Registry:   registry,
		Fallback:   fallback,
		Checker:    checker,
		Users:      users,
		Guard:      guard,
		AdminToken: cfg.AdminToken,
	})

	return &Service{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "orchestrator")),
		db:       db,
		files:    files,
		users:    users,
		registry: registry,
		fallback: fallback,
		manager:  manager,
		vram:     vramOrch,
		queue:    q,
		cancels:  cancels,
		pool:     pool,
		hub:      h,
		checker:  checker,
		writer:   writer,
		cleaner:  cleaner,
		guard:    guard,
		router:   router,
	}, nil
}

// httpProbe builds a ProbeFunc that GETs the service base URL.
func httpProbe(baseURL string) health.ProbeFunc {
	client := &http.Client{Timeout: 3 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}

// Run starts every loop and the HTTP server, then blocks until ctx is
// cancelled or the server fails. Shutdown is graceful: the server drains
// first, then workers, then storage closes.
func (s *Service) Run(ctx context.Context) error {
	shutdownTracer, err := initTracer(ctx, s.cfg.OTLPEndpoint)
	if err != nil {
		s.logger.Warn("Tracing disabled", "error", err)
	} else if shutdownTracer != nil {
		defer shutdownTracer(context.Background())
	}

	s.vram.DiscoverExternal(ctx)
	s.queue.StartMonitor()
	defer s.queue.Stop()
	s.fallback.StartRecoveryPoller(ctx, 30*time.Second)
	defer s.fallback.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pool.Run(ctx) })
	g.Go(func() error { s.checker.Run(ctx); return nil })
	g.Go(func() error { s.writer.Run(ctx); return nil })
	g.Go(func() error { s.files.RunSweeper(ctx); return nil })
	if s.cleaner != nil {
		g.Go(func() error { s.cleaner.Run(ctx); return nil })
	}

	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.router}
	g.Go(func() error {
		s.logger.Info("Orchestrator listening",
			"addr", s.cfg.ListenAddr, "profile", s.registry.Active().Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	s.registry.Close()
	if closeErr := s.db.Close(); closeErr != nil {
		s.logger.Error("Storage close failed", "error", closeErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// initTracer configures the OTLP trace exporter. An empty endpoint
// returns a nil shutdown func and no error; tracing is simply off.
func initTracer(ctx context.Context, endpoint string) (func(context.Context), error) {
	if endpoint == "" {
		return nil, nil
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("kodiak-orchestrator")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("OTLP exporter shutdown failed", "error", err)
		}
	}, nil
}
