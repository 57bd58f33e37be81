// Package main is the entry point for tmpfiles-cleanup, the one-shot storage
// reclamation tool. It runs the same expiry and orphan sweeps as the server's
// background reapers against a live data directory, then exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bozonx/tmpfiles/internal/config"
	"github.com/bozonx/tmpfiles/internal/engine"
	"github.com/bozonx/tmpfiles/internal/logging"
	"github.com/bozonx/tmpfiles/internal/metadata"
	"github.com/bozonx/tmpfiles/internal/reaper"
	"github.com/bozonx/tmpfiles/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dryRun := flag.Bool("dry-run", false, "report what would be deleted without deleting")
	batchSize := flag.Int("batch-size", 0, "records per metadata page (default: from config)")
	olderThan := flag.Duration("older-than", 0, "also delete live files uploaded more than this long ago (e.g. 720h)")
	orphans := flag.Bool("orphans", false, "sweep unreferenced backend objects instead of expired records")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(*logLevel, cfg.Logging.Format, os.Stderr)

	ctx := context.Background()

	backend, err := buildBackend(cfg)
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

	var result *reaper.Result
	if *orphans {
		if *dryRun {
			fmt.Fprintln(os.Stderr, "--dry-run is not supported for the orphan sweep")
			os.Exit(1)
		}
		orphanReaper := reaper.NewOrphanReaper(backend, store, cfg.Cleanup.OrphanInterval(), cfg.Cleanup.OrphanGrace())
		result, err = orphanReaper.RunOnce(ctx)
	} else {
		eng := engine.New(backend, store, engine.Options{
			MaxFileSize:         cfg.Storage.MaxFileSize(),
			MaxTTL:              cfg.Storage.MaxTTL(),
			AllowedMimeTypes:    cfg.Storage.AllowedMimeTypes,
			EnableDeduplication: cfg.Storage.EnableDeduplication,
		})
		expiry := reaper.NewExpiryReaper(eng, cfg.Cleanup.Cron, cfg.Cleanup.BatchSize)
		result, err = expiry.RunOnce(ctx, reaper.CleanupOptions{
			DryRun:    *dryRun,
			BatchSize: *batchSize,
			OlderThan: *olderThan,
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup failed: %v\n", err)
		os.Exit(1)
	}

	verb := "deleted"
	if result.DryRun {
		verb = "would delete"
	}
	fmt.Printf("%s %d files, %d bytes reclaimed, %d errors (%s)\n",
		verb, result.Deleted, result.BytesFreed, result.Errors,
		result.Duration.Round(time.Millisecond))
	if result.Errors > 0 {
		os.Exit(1)
	}
}

// buildBackend constructs the object backend selected by the configuration.
// The cleanup tool is offline tooling for a local deployment, so the memory
// backend is not offered here.
func buildBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return nil, fmt.Errorf("storage.s3.bucket is required when backend is 's3'")
		}
		region := cfg.Storage.S3.Region
		if region == "" {
			region = "us-east-1"
		}
		return storage.NewS3Backend(context.Background(), storage.S3Options{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          region,
			Prefix:          cfg.Storage.S3.Prefix,
			EndpointURL:     cfg.Storage.S3.EndpointURL,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		})
	case "local", "":
		return storage.NewLocalBackend(cfg.Storage.BasePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildStore constructs the metadata store selected by the configuration.
func buildStore(ctx context.Context, cfg *config.Config) (metadata.Store, error) {
	switch cfg.Metadata.Engine {
	case "redis":
		return metadata.NewRedisStore(ctx, metadata.RedisOptions{
			Addr:      cfg.Metadata.Redis.Addr,
			Password:  cfg.Metadata.Redis.Password,
			DB:        cfg.Metadata.Redis.DB,
			KeyPrefix: cfg.Metadata.Redis.KeyPrefix,
		})
	case "sqlite":
		dbPath := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		return metadata.NewSQLiteStore(dbPath)
	case "json", "":
		return metadata.NewJSONStore(cfg.Storage.BasePath)
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Metadata.Engine)
	}
}
