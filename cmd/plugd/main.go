package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/plugd/pkg/api"
	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/bundle"
	"github.com/platinummonkey/plugd/pkg/catalog"
	"github.com/platinummonkey/plugd/pkg/config"
	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/fetch"
	"github.com/platinummonkey/plugd/pkg/hooks"
	"github.com/platinummonkey/plugd/pkg/lifecycle"
	"github.com/platinummonkey/plugd/pkg/loader"
	"github.com/platinummonkey/plugd/pkg/middleware"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/permissions"
	"github.com/platinummonkey/plugd/pkg/sandbox"
	"github.com/platinummonkey/plugd/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	async.SetLogger(logger)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Fatalf("plugd exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"version": version,
		"driver":  cfg.Storage.Driver,
		"root":    cfg.Plugins.Root,
	}).Info("Starting plugd")

	if cfg.Observability.OTelServiceVersion == "" {
		cfg.Observability.OTelServiceVersion = version
	}
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var objects fetch.ObjectOpener
	var s3 *storage.S3Store
	if cfg.Storage.S3Bucket != "" {
		s3, err = storage.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		objects = s3
		logger.Infof("Object storage enabled: bucket %s", cfg.Storage.S3Bucket)
	}

	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		rdb, err = storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		logger.Info("Redis connected")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	broadcaster := events.NewBroadcaster(logger)
	broadcaster.SetDropCounter(metrics)

	fetcher, err := fetch.New(fetch.Config{
		Root:              cfg.Plugins.Root,
		DownloadTimeout:   cfg.Plugins.DownloadTimeout,
		ExtractTimeout:    cfg.Plugins.ExtractTimeout,
		MaxArchiveBytes:   cfg.Plugins.MaxArchiveBytes,
		MaxExtractedBytes: cfg.Plugins.MaxExtractedBytes,
	}, objects, logger)
	if err != nil {
		return err
	}
	fetcher.SetRecorder(metrics)

	var runner sandbox.Runner
	var dockerRunner *sandbox.DockerRunner
	if cfg.Plugins.HooksInSandbox {
		dockerRunner, err = sandbox.NewDockerRunner(logger)
		if err != nil {
			return fmt.Errorf("hook sandbox unavailable: %w", err)
		}
		runner = dockerRunner
	}
	resolver := hooks.NewResolver(hooks.NewRegistry(), runner, hooks.ResolverConfig{
		Image:       cfg.Plugins.HookImage,
		Timeout:     cfg.Plugins.HookTimeout,
		MemoryLimit: cfg.Plugins.HookMemoryLimit,
		CPULimit:    cfg.Plugins.HookCPULimit,
	}, logger)

	resident := loader.NewRegistry(fetcher, resolver, broadcaster, logger)
	resident.SetBackendRegistrar(loader.NewModelIndex(logger))
	metrics.RegisterGauge("plugd_resident_plugins", "Plugins currently loaded in this process", func() float64 {
		return float64(resident.Len())
	})

	generator := bundle.NewGenerator(bundle.Config{
		CacheSize:   cfg.Plugins.BundleCacheSize,
		CacheTTL:    cfg.Plugins.BundleCacheTTL,
		AssetPrefix: cfg.Plugins.AssetPrefix,
	}, logger)
	generator.SetRecorder(metrics)

	registrar := permissions.NewRegistrar(permissions.NewSQLStore(db), cfg.Plugins.Roles, logger)

	cat, err := newCatalog(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	orchestrator := lifecycle.NewOrchestrator(lifecycle.NewSQLStore(db), cat, resident, registrar, broadcaster, lifecycle.Config{
		HookTimeout:    cfg.Plugins.HookTimeout,
		RestoreWorkers: cfg.Plugins.RestoreWorkers,
	}, logger)
	orchestrator.SetRecorder(metrics)

	restored, err := orchestrator.Restore(ctx)
	if err != nil {
		logger.Warnf("Some plugins could not be restored: %v", err)
	}
	logger.Infof("Restored %d active plugin(s)", restored)

	reconciler := lifecycle.NewReconciler(orchestrator, resident, lifecycle.ReconcilerConfig{
		Schedule:   cfg.Plugins.ReconcileSchedule,
		StaleAfter: cfg.Plugins.StaleAfter,
	}, logger)
	if err := reconciler.Start(ctx); err != nil {
		return err
	}

	var relay *events.RedisRelay
	if rdb != nil {
		relay = events.NewRedisRelay(rdb, cfg.Plugins.EventsChannel, broadcaster, logger)
		if err := relay.Start(ctx); err != nil {
			return err
		}
	}

	sinks, err := startWebhooks(ctx, cfg, broadcaster, logger)
	if err != nil {
		return err
	}

	if cfg.Plugins.WatchPluginRoot {
		go func() {
			defer observability.RecoverPanic(logger, "plugin root watcher")
			if err := resident.Watch(ctx); err != nil {
				logger.Errorf("Plugin root watcher stopped: %v", err)
			}
		}()
	}

	var auth *middleware.AuthMiddleware
	if cfg.Auth.Enabled {
		verifier, err := middleware.NewOIDCVerifier(ctx, cfg.Auth.IssuerURL, cfg.Auth.ClientID, cfg.Auth.RolesClaim)
		if err != nil {
			return err
		}
		auth = middleware.NewAuthMiddleware(verifier, false, logger)
		logger.Infof("Bearer token authentication enabled: issuer %s", cfg.Auth.IssuerURL)
	}

	var limiter middleware.Limiter
	if cfg.Server.RateLimitPerMinute > 0 {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerWindow = cfg.Server.RateLimitPerMinute
		if rdb != nil {
			limiter = middleware.NewRedisLimiter(rdb, rl, "plugd:ratelimit")
		} else {
			ml := middleware.NewMemoryLimiter(rl)
			ml.StartCleanup(ctx)
			limiter = ml
		}
	}

	apiCfg := api.Config{
		AdminRole:      cfg.Auth.AdminRole,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Auth:           auth,
		Limiter:        limiter,
	}
	if cfg.Observability.MetricsEnabled {
		apiCfg.Metrics = metrics
	}
	apiServer := api.NewServer(api.Deps{
		Lifecycle:   orchestrator,
		Resident:    resident,
		Bundler:     generator,
		Permissions: registrar,
		Events:      events.SSEHandler(broadcaster, cfg.Plugins.SSEKeepAlive),
	}, apiCfg, logger)

	httpServer := api.NewHTTPServer(
		net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		apiServer.Handler(),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		cfg.Server.IdleTimeout,
	)

	checker := observability.NewHealthChecker(db, rdb, version)
	if s3 != nil {
		checker.AddCheck("object_storage", s3.HealthCheck)
	}
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.RegisterShutdownFunc("reconciler", func(context.Context) error {
		reconciler.Stop()
		return nil
	})
	if relay != nil {
		shutdown.RegisterShutdownFunc("event relay", func(context.Context) error { return relay.Stop() })
	}
	for _, sink := range sinks {
		shutdown.RegisterShutdownFunc("webhook sink", func(ctx context.Context) error {
			return sink.Stop(timeLeft(ctx))
		})
	}
	shutdown.RegisterShutdownFunc("event broadcaster", func(context.Context) error {
		broadcaster.Close()
		return nil
	})
	if dockerRunner != nil {
		shutdown.RegisterShutdownFunc("hook sandbox", func(context.Context) error { return dockerRunner.Close() })
	}
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	if rdb != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return rdb.Close() })
	}
	shutdown.RegisterShutdownFunc("database", func(context.Context) error { return db.Close() })

	serve := func(name string, srv *http.Server) {
		defer observability.RecoverPanic(logger, name)
		logger.Infof("%s listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("%s failed: %v", name, err)
			cancel()
		}
	}
	go serve("API server", httpServer)
	go serve("Health server", healthServer)

	return shutdown.WaitForShutdown(ctx)
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*sql.DB, error) {
	db, err := storage.OpenDB(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		table      string
		migrations []storage.Migration
	}{
		{lifecycle.MigrationsTable, lifecycle.Migrations()},
		{permissions.MigrationsTable, permissions.Migrations()},
		{catalog.MigrationsTable, catalog.Migrations()},
	}
	for _, set := range sets {
		if err := storage.Migrate(ctx, db, cfg.Storage.Driver, set.table, set.migrations, logger); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func newCatalog(ctx context.Context, cfg *config.Config, db *sql.DB, logger *logrus.Logger) (catalog.Catalog, error) {
	if cfg.Catalog.Source == "http" {
		return catalog.NewHTTPCatalog(ctx, catalog.HTTPConfig{
			BaseURL:      cfg.Catalog.BaseURL,
			APIKey:       cfg.Catalog.APIKey,
			Timeout:      cfg.Catalog.Timeout,
			ClientID:     cfg.Catalog.ClientID,
			ClientSecret: cfg.Catalog.ClientSecret,
			TokenURL:     cfg.Catalog.TokenURL,
			Scopes:       cfg.Catalog.Scopes,
		}, logger)
	}
	return catalog.NewSQLCatalog(db), nil
}

func startWebhooks(ctx context.Context, cfg *config.Config, b *events.Broadcaster, logger *logrus.Logger) ([]*events.WebhookSink, error) {
	types := make([]events.Type, 0, len(cfg.Webhooks.Types))
	for _, t := range cfg.Webhooks.Types {
		types = append(types, events.Type(t))
	}

	sinks := make([]*events.WebhookSink, 0, len(cfg.Webhooks.URLs))
	for _, url := range cfg.Webhooks.URLs {
		sink, err := events.NewWebhookSink(events.WebhookConfig{
			URL:         url,
			Secret:      cfg.Webhooks.Secret,
			Types:       types,
			Timeout:     cfg.Webhooks.Timeout,
			MaxAttempts: cfg.Webhooks.MaxAttempts,
		}, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Stop(time.Second)
			}
			return nil, err
		}
		sink.Start(ctx, b)
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// timeLeft is the remaining shutdown budget in ctx
func timeLeft(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 10 * time.Second
}
