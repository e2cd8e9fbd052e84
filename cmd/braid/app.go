package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/braidhq/braid/internal/approval"
	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/autonomous"
	"github.com/braidhq/braid/internal/blob"
	"github.com/braidhq/braid/internal/chat"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/gateway"
	"github.com/braidhq/braid/internal/graph"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/observability"
	"github.com/braidhq/braid/internal/retry"
	"github.com/braidhq/braid/internal/scheduler"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/internal/stream"
	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/tools"
)

// app holds every long-lived component a command can run. serve uses all of
// it; scheduler run skips the HTTP server but shares the same wiring.
type app struct {
	cfg     *config.Config
	log     *observability.Logger
	logger  *slog.Logger
	metrics *observability.Metrics

	stores    store.Set
	blobs     blob.Store
	buffer    *toolbuf.Buffer
	chat      *chat.Service
	streamer  *stream.Streamer
	approvals *approval.Service
	executor  *autonomous.Executor
	scheduler *scheduler.Scheduler
	server    *gateway.Server

	tracerShutdown func(context.Context) error
}

// buildApp assembles the service from configuration. Components are wired
// in dependency order; the tool registry is filled last because the trigger
// tool needs the executor, which needs the chat service, which needs the
// registry to exist (registration is by reference, so late adds are seen).
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         logOutput(cfg.Logging.Output),
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	logger := log.Slog()
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()
	tracer, tracerShutdown := observability.NewTracer(traceConfig(cfg))

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	providers, err := llm.NewRegistryFromConfig(ctx, cfg.LLM)
	if err != nil {
		_ = stores.Close()
		_ = blobs.Close()
		return nil, err
	}

	buffer := toolbuf.New(cfg.ToolBuffer.TTL, cfg.ToolBuffer.CleanupInterval)

	registry := tools.NewRegistry()
	registry.Register(tools.NewWebSearchTool(cfg.Tools.WebSearch))
	registry.Register(tools.NewFetchURLTool(cfg.Tools.FetchURL))
	registry.Register(tools.NewRetrieveFileTool(stores.Conversations, blobs))
	registry.Register(tools.NewRequestApprovalTool(stores.Approvals))
	registry.Register(tools.CiteSourcesTool{})
	registry.Register(tools.ManageMemoryTool{})
	registry.Register(tools.GenerateImageTool{})

	policy := retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}
	g := graph.New(providers, registry, graph.Config{
		PlanningMinLength: cfg.Chat.PlanningMinLength,
		RecursionLimit:    cfg.Chat.RecursionLimit,
		MaxToolRetries:    cfg.Chat.MaxToolRetries,
	},
		graph.WithLogger(logger),
		graph.WithMetrics(metrics),
		graph.WithRetryPolicy(policy),
	)

	svc := chat.NewService(chat.Options{
		Graph:     g,
		Stores:    stores,
		Blobs:     blobs,
		Buffer:    buffer,
		Completer: providers,
		Prices:    cfg.Pricing,
		Config:    cfg.Chat,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	registry.Register(tools.NewRefreshDashboardTool(svc.PlannerDashboard))

	executor := autonomous.New(autonomous.Options{
		Chat:      svc,
		Stores:    stores,
		Completer: providers,
		Config:    cfg.Chat,
		Retry:     policy,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	registry.Register(tools.NewTriggerAgentTool(stores.Agents, autonomous.NewRunner(executor)))

	streamer := stream.New(stream.Options{
		Chat:    svc,
		Stores:  stores,
		Config:  cfg.Chat,
		Logger:  logger,
		Metrics: metrics,
	})
	approvals := approval.NewService(stores.Approvals, logger)

	server := gateway.New(gateway.Options{
		Auth:      auth.NewAuthenticator(auth.NewJWT(cfg.Auth), stores.Users, cfg.Auth),
		Chat:      svc,
		Streamer:  streamer,
		Approvals: approvals,
		Stores:    stores,
		Dashboard: svc.PlannerDashboard,
		Config:    cfg.Server,
		Logger:    logger,
		Metrics:   metrics,
	})

	sched := scheduler.New(executor, stores, cfg.Scheduler,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	)

	return &app{
		cfg:            cfg,
		log:            log,
		logger:         logger,
		metrics:        metrics,
		stores:         stores,
		blobs:          blobs,
		buffer:         buffer,
		chat:           svc,
		streamer:       streamer,
		approvals:      approvals,
		executor:       executor,
		scheduler:      sched,
		server:         server,
		tracerShutdown: tracerShutdown,
	}, nil
}

// close releases the app's resources in reverse dependency order.
func (a *app) close(ctx context.Context) {
	a.buffer.Close()
	if err := a.blobs.Close(); err != nil {
		a.logger.Error("close blob store", "error", err)
	}
	if err := a.stores.Close(); err != nil {
		a.logger.Error("close stores", "error", err)
	}
	if err := a.tracerShutdown(ctx); err != nil {
		a.logger.Error("shutdown tracer", "error", err)
	}
}

func openStores(cfg *config.Config) (store.Set, error) {
	switch cfg.Database.Driver {
	case "memory":
		return store.NewMemoryStores(), nil
	case "postgres":
		pool := store.DefaultPostgresConfig()
		if cfg.Database.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		return store.NewPostgresStores(cfg.Database.URL, pool)
	default:
		return store.Set{}, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "local":
		return blob.NewLocalStore(cfg.Blob.LocalDir)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Blob.S3Bucket,
			Region:          cfg.Blob.S3Region,
			Endpoint:        cfg.Blob.S3Endpoint,
			Prefix:          cfg.Blob.S3Prefix,
			AccessKeyID:     cfg.Blob.S3AccessKeyID,
			SecretAccessKey: cfg.Blob.S3SecretAccessKey,
			UsePathStyle:    cfg.Blob.S3UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

func traceConfig(cfg *config.Config) observability.TraceConfig {
	tc := observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
		Environment:    cfg.Observability.Tracing.Environment,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	}
	if cfg.Observability.Tracing.Enabled {
		tc.Endpoint = cfg.Observability.Tracing.Endpoint
	}
	if tc.ServiceVersion == "" {
		tc.ServiceVersion = version
	}
	return tc
}

func logOutput(name string) io.Writer {
	if name == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}
