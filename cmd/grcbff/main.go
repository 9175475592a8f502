// Package main is the entry point for the GRC console backend-for-frontend.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/grcbff/internal/aigen"
	"github.com/pitabwire/grcbff/internal/apiclient"
	"github.com/pitabwire/grcbff/internal/archive"
	"github.com/pitabwire/grcbff/internal/audit"
	"github.com/pitabwire/grcbff/internal/config"
	"github.com/pitabwire/grcbff/internal/definition"
	"github.com/pitabwire/grcbff/internal/document"
	"github.com/pitabwire/grcbff/internal/grc"
	"github.com/pitabwire/grcbff/internal/idempotency"
	"github.com/pitabwire/grcbff/internal/notify"
	"github.com/pitabwire/grcbff/internal/observability"
	"github.com/pitabwire/grcbff/internal/openapi"
	"github.com/pitabwire/grcbff/internal/search"
	"github.com/pitabwire/grcbff/internal/store"
	"github.com/pitabwire/grcbff/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	checkOnly := flag.Bool("check", false, "load and validate definitions, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "grcbff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Backend contract and definitions.
	oaIndex, err := loadIndex(cfg.Backend.SpecFile)
	if err != nil {
		logger.Error("backend OpenAPI document load failed", zap.Error(err))
		return 1
	}
	metrics.SetBackendOperationsIndexed(oaIndex.Len())

	renderer, err := document.NewRenderer(cfg.Documents.TemplatesDir)
	if err != nil {
		logger.Error("document templates failed to load", zap.Error(err))
		return 1
	}

	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		metrics.RecordDefinitionLoad("error")
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	if verrs := definition.NewValidator(renderer.Has).Validate(defs, oaIndex); len(verrs) > 0 {
		metrics.RecordDefinitionLoad("invalid")
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	metrics.RecordDefinitionLoad("ok")
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(len(registry.AllResources()))

	if *checkOnly {
		logger.Info("definitions valid",
			zap.Int("domains", len(defs)),
			zap.Int("resources", len(registry.AllResources())),
			zap.String("checksum", registry.Checksum()),
		)
		return 0
	}

	// Backend client.
	clientOpts := apiclient.OptionsFromConfig(cfg.Backend)
	clientOpts.Logger = logger
	clientOpts.Metrics = metrics
	clientOpts.Redactor = observability.NewRedactor(cfg.Observability.RedactFields...)
	client, err := apiclient.New(clientOpts)
	if err != nil {
		logger.Error("backend client initialization failed", zap.Error(err))
		return 1
	}

	// Stores.
	auditStore, auditCloser, err := buildAuditStore(ctx, cfg.Audit, logger)
	if err != nil {
		logger.Error("audit store initialization failed", zap.Error(err))
		return 1
	}
	var recorder *audit.Recorder
	if auditStore != nil {
		recorder = audit.NewRecorder(auditStore, logger)
	}

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	arch, err := buildArchive(ctx, cfg.Archive, metrics, logger)
	if err != nil {
		logger.Error("export archive initialization failed", zap.Error(err))
		return 1
	}

	notifier := notify.Multi{notify.LogNotifier{Logger: logger}, notify.ContextNotifier{}}
	observers := []store.Observer{store.MetricsObserver(metrics)}
	if recorder != nil {
		observers = append(observers, recorder)
	}
	workspaces := store.NewWorkspaces(workspaceFactory(registry, client, notifier, observers, logger), metrics.SetActiveWorkspaces)

	gen := aigen.New(client, aigen.Options{
		Endpoint:       cfg.AI.Endpoint,
		Timeout:        cfg.AI.Timeout,
		Idempotency:    idemStore,
		IdempotencyTTL: cfg.AI.IdempotencyTTL,
		Limiter:        aigen.NewLimiter(cfg.AI.RatePerMinute, cfg.AI.Burst),
		Metrics:        metrics,
		Notifier:       notifier,
		Logger:         logger,
	})

	// Readiness checks. Optional checkers stay untyped nil when absent.
	ready := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllResources()) > 0 },
		Backend:           client,
	}
	if cfg.Backend.SpecFile != "" {
		ready.OpenAPILoaded = func() bool { return oaIndex.Len() > 0 }
	}
	if recorder != nil {
		ready.AuditStore = recorder
	}
	if idemStore != nil {
		ready.IdempotencyStore = idemStore
	}
	if arch != nil {
		ready.Archive = arch
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Registry:   registry,
		Workspaces: workspaces,
		Renderer:   renderer,
		Archive:    arch,
		Generator:  gen,
		Audit:      recorder,
		Search:     search.New(registry, workspaces, cfg.Search.TimeoutPerResource, cfg.Search.MaxResultsPerResource),
		Index:      oaIndex,
		Metrics:    metrics,
		Ready:      ready,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", client.BaseURL()),
		zap.Int("resources", len(registry.AllResources())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if auditCloser != nil {
		auditCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadIndex loads the backend OpenAPI document when one is configured. A
// nil index skips backend route checks and request validation.
func loadIndex(specFile string) (*openapi.Index, error) {
	if specFile == "" {
		return nil, nil
	}
	idx := openapi.NewIndex()
	if err := idx.Load(specFile); err != nil {
		return nil, err
	}
	return idx, nil
}

// workspaceFactory builds a tenant's collections: a typed store for every
// resource with a lifecycle declared in code, and a record store driven by
// the definition for the rest.
func workspaceFactory(registry *definition.Registry, client store.Doer, notifier notify.Notifier, observers []store.Observer, logger *zap.Logger) store.Factory {
	return func(tenant string) (*store.Workspace, error) {
		ws := store.NewWorkspace(tenant)
		for _, def := range registry.AllResources() {
			opts := []store.Option{
				store.WithNotifier(notifier),
				store.WithLogger(logger.With(zap.String("tenant", tenant))),
				store.WithSoftDelete(def.SoftDeletes()),
			}
			for _, obs := range observers {
				opts = append(opts, store.WithObserver(obs))
			}

			col, err := grc.OpenDefinition(def, client, opts...)
			if err != nil {
				return nil, err
			}
			if err := ws.Register(def.ID, col); err != nil {
				return nil, err
			}
		}
		return ws, nil
	}
}

// buildAuditStore creates the audit store based on config. It returns a nil
// store when the audit trail is disabled.
func buildAuditStore(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) (audit.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory audit store")
		return audit.NewMemoryStore(), nil, nil
	case "sqlite":
		s, err := audit.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite audit store", zap.String("path", cfg.SQLitePath))
		return s, func() { s.Close() }, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("audit store: %s environment variable not set", cfg.DSNEnv)
		}
		s, err := audit.OpenPgStore(ctx, dsn, cfg.MaxOpenConns, cfg.ConnMaxLifetime)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres audit store")
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported audit driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping redis: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(rdb), func() { rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Store.Driver)
	}
}

// buildArchive creates the export archive. It returns nil when archiving is
// off.
func buildArchive(ctx context.Context, cfg config.ArchiveConfig, metrics archive.Metrics, logger *zap.Logger) (*archive.Archive, error) {
	var s archive.Store
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case archive.DriverMemory:
		s = archive.NewMemoryStore()
	case archive.DriverFS:
		fs, err := archive.NewFSStore(cfg.FS.Root)
		if err != nil {
			return nil, err
		}
		s = fs
	case archive.DriverS3:
		s3, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if err != nil {
			return nil, err
		}
		s = s3
	default:
		return nil, fmt.Errorf("unsupported archive driver: %q", cfg.Driver)
	}
	logger.Info("export archive enabled", zap.String("driver", s.Driver()))
	return archive.New(s, cfg.Prefix, metrics), nil
}
