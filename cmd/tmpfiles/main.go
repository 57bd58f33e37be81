// Package main is the entry point for the tmpfiles temporary file cache server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bozonx/tmpfiles/internal/config"
	"github.com/bozonx/tmpfiles/internal/engine"
	"github.com/bozonx/tmpfiles/internal/logging"
	"github.com/bozonx/tmpfiles/internal/metadata"
	"github.com/bozonx/tmpfiles/internal/metrics"
	"github.com/bozonx/tmpfiles/internal/reaper"
	"github.com/bozonx/tmpfiles/internal/server"
	"github.com/bozonx/tmpfiles/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	ctx := context.Background()

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	eng := engine.New(backend, store, engine.Options{
		MaxFileSize:         cfg.Storage.MaxFileSize(),
		MaxTTL:              cfg.Storage.MaxTTL(),
		AllowedMimeTypes:    cfg.Storage.AllowedMimeTypes,
		EnableDeduplication: cfg.Storage.EnableDeduplication,
	})

	expiry := reaper.NewExpiryReaper(eng, cfg.Cleanup.Cron, cfg.Cleanup.BatchSize)
	if err := expiry.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start expiry reaper: %v\n", err)
		os.Exit(1)
	}
	defer expiry.Stop()

	orphan := reaper.NewOrphanReaper(backend, store, cfg.Cleanup.OrphanInterval(), cfg.Cleanup.OrphanGrace())
	orphan.Start()
	defer orphan.Stop()

	srv := server.New(cfg, eng)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("tmpfiles listening", "addr", addr, "api", cfg.Server.APIPrefix())
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildBackend constructs the object backend selected by the configuration.
func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return nil, fmt.Errorf("storage.s3.bucket is required when backend is 's3'")
		}
		region := cfg.Storage.S3.Region
		if region == "" {
			region = "us-east-1"
		}
		backend, err := storage.NewS3Backend(ctx, storage.S3Options{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          region,
			Prefix:          cfg.Storage.S3.Prefix,
			EndpointURL:     cfg.Storage.S3.EndpointURL,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil

	case "memory":
		slog.Info("Storage backend initialized", "backend", "memory")
		return storage.NewMemoryBackend(), nil

	case "local", "":
		if err := os.MkdirAll(cfg.Storage.BasePath, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage root: %w", err)
		}
		backend, err := storage.NewLocalBackend(cfg.Storage.BasePath)
		if err != nil {
			return nil, err
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := backend.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", cfg.Storage.BasePath)
		return backend, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildStore constructs the metadata store selected by the configuration.
func buildStore(ctx context.Context, cfg *config.Config) (metadata.Store, error) {
	switch cfg.Metadata.Engine {
	case "redis":
		store, err := metadata.NewRedisStore(ctx, metadata.RedisOptions{
			Addr:      cfg.Metadata.Redis.Addr,
			Password:  cfg.Metadata.Redis.Password,
			DB:        cfg.Metadata.Redis.DB,
			KeyPrefix: cfg.Metadata.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "redis", "addr", cfg.Metadata.Redis.Addr)
		return store, nil

	case "sqlite":
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		store, err := metadata.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "sqlite", "path", dbPath)
		return store, nil

	case "memory":
		slog.Info("Metadata store initialized", "engine", "memory")
		return metadata.NewMemoryStore(), nil

	case "json", "":
		store, err := metadata.NewJSONStore(cfg.Storage.BasePath)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "json", "dir", cfg.Storage.BasePath)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Metadata.Engine)
	}
}
