package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/config"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/httputil"
	"github.com/platinummonkey/plexus/pkg/lifecycle"
	"github.com/platinummonkey/plexus/pkg/manifest"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/registry"
	"github.com/platinummonkey/plexus/pkg/service"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	install := flag.String("install", "", "Comma separated name=source manifests to install and activate at startup")
	flag.StringVar(&cfg.Server.HealthPort, "health-port", cfg.Server.HealthPort, "Port for metrics and health endpoints")
	flag.StringVar(&cfg.Registry.Driver, "registry-driver", cfg.Registry.Driver, "Registry driver (memory, sqlite3, postgres)")
	flag.StringVar(&cfg.Registry.DSN, "registry-dsn", cfg.Registry.DSN, "Registry data source name")
	flag.StringVar(&cfg.Runtime.ManifestRoot, "manifest-root", cfg.Runtime.ManifestRoot, "Directory relative manifest sources resolve against")
	flag.StringVar(&cfg.Observability.LogLevel, "log-level", cfg.Observability.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	logger.Info("Starting Plexus extension host")

	if err := run(cfg, splitSources(*install), logger); err != nil {
		logger.Fatalf("Extension host failed: %v", err)
	}
}

func run(cfg *config.Config, sources []string, logger *logrus.Logger) error {
	ctx := context.Background()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promRegistry)

	repo, db, err := openRegistry(ctx, cfg.Registry)
	if err != nil {
		return err
	}

	bus, redisClient, err := openBus(ctx, cfg.Events, logger)
	if err != nil {
		return err
	}

	secOpts, err := cfg.SecurityOptions()
	if err != nil {
		return err
	}

	svc, err := service.New(service.Options{
		Repository:     repo,
		Loader:         manifest.NewFileLoader(cfg.Runtime.ManifestRoot, logger),
		Bus:            bus,
		Security:       secOpts,
		HandlerTimeout: cfg.Runtime.HandlerTimeout,
		HealthSchedule: cfg.Runtime.HealthSchedule,
		SampleSchedule: cfg.Runtime.SampleSchedule,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create extension host: %w", err)
	}

	installAll(ctx, svc, sources, logger)

	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start extension host: %w", err)
	}

	router := mux.NewRouter()
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(promRegistry)).Methods(http.MethodGet)
	}
	observability.NewHealthChecker(db, redisClient, svc.CountByStatus).RegisterRoutes(router)
	registerOpsRoutes(router, svc, logger)
	router.Use(httputil.RecoveryMiddleware(logger), httputil.LoggingMiddleware(logger))

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("extension host", svc.Stop)
	shutdown.Register("event bus", func(context.Context) error { return bus.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if db != nil {
		shutdown.Register("registry database", func(context.Context) error { return db.Close() })
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Ops server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-serverErr:
		logger.Errorf("Ops server failed: %v", err)
	}

	return shutdown.Shutdown(context.Background())
}

func openRegistry(ctx context.Context, cfg config.RegistryConfig) (registry.Repository, *sql.DB, error) {
	if cfg.Driver == config.DriverMemory {
		return registry.NewMemoryRepository(), nil, nil
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s registry: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping registry database: %w", err)
	}

	repo, err := registry.NewSQLRepository(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate registry: %w", err)
	}
	return repo, db, nil
}

func openBus(ctx context.Context, cfg config.EventsConfig, logger *logrus.Logger) (events.Bus, *redis.Client, error) {
	if cfg.Backend != config.EventsRedis {
		return events.NewMemoryBus(logger), nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB > 0 {
		opts.DB = cfg.RedisDB
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return events.NewRedisBus(client, cfg.ChannelPrefix, logger), client, nil
}

// installAll installs and activates every "name=source" entry; already
// installed extensions are left alone.
func installAll(ctx context.Context, svc *service.Service, entries []string, logger *logrus.Logger) {
	for _, entry := range entries {
		name, source := parseInstallEntry(entry)
		result, err := svc.InstallExtension(ctx, lifecycle.InstallRequest{
			Name:         name,
			Source:       source,
			AutoActivate: true,
		})
		switch {
		case errors.Is(err, extensions.ErrDuplicate):
			logger.Infof("Extension %s already installed", name)
		case err != nil:
			logger.Errorf("Failed to install %s from %s: %v", name, source, err)
		default:
			for _, w := range result.Warnings {
				logger.Warnf("%s: %s", name, w)
			}
		}
	}
}

// parseInstallEntry splits "name=source". Without a name the last path
// element of the source is used.
func parseInstallEntry(entry string) (name, source string) {
	if i := strings.Index(entry, "="); i > 0 {
		return entry[:i], entry[i+1:]
	}
	return filepath.Base(strings.TrimSuffix(entry, "/")), entry
}

func splitSources(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
