// Package verity is the public entry point for running the Verity dataset
// validation server.
//
//	app, err := verity.New(
//	    verity.WithVersion(version),
//	    verity.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// New wires every subsystem from environment configuration; Run serves until
// its context is cancelled and then shuts down gracefully.
package verity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/verity/internal/config"
	"github.com/ashita-ai/verity/internal/dataset"
	"github.com/ashita-ai/verity/internal/eventbus"
	"github.com/ashita-ai/verity/internal/mcp"
	"github.com/ashita-ai/verity/internal/ratelimit"
	"github.com/ashita-ai/verity/internal/server"
	"github.com/ashita-ai/verity/internal/service/analysis"
	"github.com/ashita-ai/verity/internal/service/runner"
	"github.com/ashita-ai/verity/internal/service/tasks"
	"github.com/ashita-ai/verity/internal/stream"
	"github.com/ashita-ai/verity/internal/telemetry"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	startupTimeout         = 30 * time.Second
)

// App is the Verity server lifecycle. Construct with New, run with Run.
type App struct {
	cfg             config.Config
	store           taskStore
	bus             *eventbus.Bus
	runner          *runner.Runner
	limiter         ratelimit.Limiter
	srv             *server.Server
	otelShutdown    telemetry.Shutdown
	logger          *slog.Logger
	version         string
	shutdownTimeout time.Duration
}

// New loads configuration, connects to the task store, applies migrations and
// wires all subsystems. It starts no goroutines and accepts no connections
// until Run is called.
func New(opts ...Option) (*App, error) {
	o := resolve(opts)
	logger := o.logger

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	if o.mockEngine {
		cfg.OpenAIAPIKey = ""
	}

	logger.Info("verity starting", "version", o.version, "port", cfg.Port)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     o.version,
	})
	if err != nil {
		return nil, err
	}

	store, driver, err := openStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	logger.Info("task store ready", "driver", driver)

	// Engine: OpenAI-compatible when a key is configured, mock otherwise.
	var engine analysis.Engine
	engineMethod := analysis.MethodMock
	if !cfg.MockEngine() {
		oe, err := analysis.NewOpenAIEngine(analysis.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.EngineModel,
			BaseURL: cfg.EngineBaseURL,
			Timeout: cfg.EngineTimeout,
		})
		if err != nil {
			_ = store.Close()
			_ = otelShutdown(context.Background())
			return nil, err
		}
		engine = oe
		engineMethod = oe.Method()
	}
	logger.Info("analysis engine", "method", engineMethod)

	// Dataset source: inline rows always, S3 objects when a bucket is set.
	var objects dataset.Source
	if cfg.S3Bucket != "" {
		src, err := dataset.NewS3Source(ctx, dataset.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			_ = store.Close()
			_ = otelShutdown(context.Background())
			return nil, err
		}
		objects = src
		logger.Info("s3 dataset source: enabled", "bucket", cfg.S3Bucket)
	} else {
		logger.Info("s3 dataset source: disabled (no S3_BUCKET)")
	}

	bus := eventbus.New(eventbus.Config{
		MaxTasks:         cfg.EventCacheSize,
		TTL:              cfg.EventCacheTTL,
		MaxCleanupRearms: cfg.EventCleanupMaxRearms,
	}, logger)

	registry := tasks.New(store, tasks.Config{
		CacheSize: cfg.StatusCacheSize,
		CacheTTL:  cfg.StatusCacheTTL,
	}, logger)

	orchestrator := analysis.NewOrchestrator(engine, bus, dataset.Limits{
		MaxRows:  cfg.AnalysisMaxRows,
		MaxChars: cfg.AnalysisMaxChars,
	}, logger)

	run := runner.New(registry, dataset.NewResolver(objects), orchestrator, bus, runner.Config{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		BatchStagger:  cfg.BatchStagger,
		CleanupDelay:  cfg.EventCleanupDelay,
		RecoveryLimit: cfg.RecoveryLimit,
	}, logger)

	transport := stream.New(registry, bus, stream.Config{
		PollInterval:      cfg.StreamPollInterval,
		KeepaliveInterval: cfg.StreamKeepaliveInterval,
		CleanupDelay:      cfg.EventCleanupDelay,
	}, logger)

	mcpSrv := mcp.New(run, registry, bus, logger, o.version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Submitter:           run,
		Tasks:               registry,
		Events:              bus,
		Streamer:            transport,
		Logger:              logger,
		Storage:             store,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             o.version,
		EngineMethod:        engineMethod,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:             cfg,
		store:           store,
		bus:             bus,
		runner:          run,
		limiter:         limiter,
		srv:             srv,
		otelShutdown:    otelShutdown,
		logger:          logger,
		version:         o.version,
		shutdownTimeout: o.shutdownTimeout,
	}, nil
}

// Handler returns the fully wired HTTP handler, for embedding and tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run recovers tasks left by a previous process, starts the HTTP server and
// blocks until ctx is cancelled or the server fails. Shutdown runs before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.runner.Recover(ctx); err != nil {
		a.logger.Warn("startup recovery failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.logger.Error("http server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops the server in order: HTTP requests and streams drain, the
// runner stops scheduling and waits for running analyses, then the event bus,
// store and telemetry close. Tasks that never started stay pending and are
// picked up by the next Run.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("verity shutting down")
	var errs []error

	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Error("analyses still running at shutdown; they will be marked interrupted on restart",
			"error", err)
		errs = append(errs, err)
	}

	a.bus.Close()
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rate limiter: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("verity stopped")
	return errors.Join(errs...)
}

// loadConfig reads the environment and applies option overrides.
func loadConfig(o resolvedOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	return cfg, nil
}
