package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ciluvien/dsn-analysis/internal/config"
	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/api"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
)

const (
	version = "0.3.0"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	listenAddr := flag.String("listen", "", "Override the listen address")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.ToLoggingConfig())
	ctx := context.Background()

	log.Info(ctx, "telemetry server starting",
		logging.String("version", version),
		logging.String("listen_addr", cfg.Server.ListenAddr),
		logging.String("storage_path", cfg.Storage.Path),
		logging.Int("retention_days", cfg.Storage.RetentionDays),
		logging.Int("compression_level", cfg.Storage.CompressionLevel))

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ToTracingConfig(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	// Initialize storage
	storeCfg := cfg.ToStorageConfig()
	storeCfg.Logger = logging.Slog(log)
	store, err := storage.NewStorage(storeCfg)
	if err != nil {
		log.Error(ctx, "failed to initialise storage", logging.Err(err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(ctx, "storage close failed", logging.Err(err))
		}
	}()
	log.Info(ctx, "storage engine initialized")

	server := api.NewServer(api.Config{
		Addr:          cfg.Server.ListenAddr,
		Timeout:       cfg.Server.Timeout,
		MaxPoints:     cfg.Server.MaxPoints,
		Queries:       cfg.Prometheus.Queries,
		CacheCapacity: cfg.Server.CacheCapacity,
		CacheTTL:      cfg.Server.CacheTTL,
		Log:           log,
		Metrics:       collector,
	}, store)

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "API server listening", logging.String("addr", cfg.Server.ListenAddr))
		errCh <- server.Start()
	}()

	// Wait for interrupt signal
	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-stopCtx.Done():
		log.Info(ctx, "shutdown signal received, stopping server")
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "server error", logging.Err(err))
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown error", logging.Err(err))
	}

	log.Info(ctx, "server stopped")
}
