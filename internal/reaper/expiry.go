package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bozonx/tmpfiles/internal/engine"
	"github.com/bozonx/tmpfiles/internal/metadata"
	"github.com/bozonx/tmpfiles/internal/metrics"
)

// maxPerRun is the hard ceiling on records processed in one run, so a single
// tick never monopolizes the process.
const maxPerRun = 10000

// ExpiryReaper periodically removes records whose TTL has elapsed, deleting
// them through the storage engine in bounded batches.
type ExpiryReaper struct {
	engine    *engine.Engine
	schedule  string
	batchSize int
	cron      *cron.Cron
	stats     Stats
}

// NewExpiryReaper creates an expiry reaper with the given cron schedule
// expression (standard five-field syntax) and per-page batch size.
func NewExpiryReaper(eng *engine.Engine, schedule string, batchSize int) *ExpiryReaper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpiryReaper{
		engine:    eng,
		schedule:  schedule,
		batchSize: batchSize,
	}
}

// Start begins scheduled runs. Returns an error if the schedule expression is
// invalid.
func (r *ExpiryReaper) Start() error {
	c := cron.New()
	_, err := c.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := r.RunOnce(ctx, CleanupOptions{BatchSize: r.batchSize}); err != nil {
			slog.Error("Expiry cleanup run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parsing cleanup schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	c.Start()
	slog.Info("Expiry reaper started", "schedule", r.schedule, "batchSize", r.batchSize)
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (r *ExpiryReaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	slog.Info("Expiry reaper stopped")
}

// Stats returns a snapshot of the reaper's counters.
func (r *ExpiryReaper) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// CleanupOptions tunes one on-demand cleanup run.
type CleanupOptions struct {
	// DryRun computes counters without deleting anything.
	DryRun bool
	// BatchSize is the page size per metadata query. Defaults to the reaper's
	// configured batch size.
	BatchSize int
	// OlderThan, when positive, targets every record uploaded more than this
	// long ago instead of only expired records.
	OlderThan time.Duration
}

// RunOnce executes one cleanup run: page through matching records, delete
// each through the engine, and accumulate counters. Per-record failures are
// logged and counted but never abort the run.
func (r *ExpiryReaper) RunOnce(ctx context.Context, opts CleanupOptions) (*Result, error) {
	start := time.Now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = r.batchSize
	}

	result := &Result{DryRun: opts.DryRun}
	var err error
	if opts.OlderThan > 0 {
		// Age-based mode targets records regardless of expiry state, which
		// takes one pass per expiry bucket because Search partitions on it.
		cutoff := time.Now().UTC().Add(-opts.OlderThan)
		err = r.sweep(ctx, metadata.SearchFilter{UploadedBefore: cutoff, ExpiredOnly: true}, batchSize, opts.DryRun, result)
		if err == nil {
			err = r.sweep(ctx, metadata.SearchFilter{UploadedBefore: cutoff}, batchSize, opts.DryRun, result)
		}
	} else {
		err = r.sweep(ctx, metadata.SearchFilter{ExpiredOnly: true}, batchSize, opts.DryRun, result)
	}
	result.Duration = time.Since(start)

	if err != nil {
		metrics.CleanupRunsTotal.WithLabelValues("expiry", "error").Inc()
		return result, err
	}

	if !opts.DryRun {
		r.stats.recordRun(result.Deleted, result.BytesFreed, result.Duration)
		metrics.CleanupRunsTotal.WithLabelValues("expiry", "success").Inc()
		metrics.CleanupDeletedTotal.WithLabelValues("expiry").Add(float64(result.Deleted))
		metrics.CleanupBytesReclaimedTotal.WithLabelValues("expiry").Add(float64(result.BytesFreed))
		metrics.CleanupDuration.WithLabelValues("expiry").Observe(result.Duration.Seconds())
	}
	if result.Deleted > 0 || result.Errors > 0 {
		slog.Info("Expiry cleanup finished",
			"deleted", result.Deleted, "bytesFreed", result.BytesFreed,
			"errors", result.Errors, "dryRun", result.DryRun, "duration", result.Duration)
	}
	return result, nil
}

// sweep pages through records matching the filter and deletes them. Deleting
// shrinks the match set, so the offset only advances past failed (or dry-run)
// records; the loop ends on a non-full page or at the per-run ceiling.
func (r *ExpiryReaper) sweep(ctx context.Context, filter metadata.SearchFilter, batchSize int, dryRun bool, result *Result) error {
	offset := 0
	processed := 0
	for processed < maxPerRun {
		page, err := r.engine.SearchFiles(ctx, filter, batchSize, offset)
		if err != nil {
			return fmt.Errorf("querying cleanup candidates: %w", err)
		}
		if len(page.Records) == 0 {
			return nil
		}

		for i := range page.Records {
			if err := ctx.Err(); err != nil {
				return err
			}
			record := &page.Records[i]
			processed++

			if dryRun {
				result.Deleted++
				result.BytesFreed += record.Size
				offset++
				continue
			}
			if _, err := r.engine.DeleteFile(ctx, record.ID); err != nil {
				slog.Warn("Failed to delete expired file", "id", record.ID, "error", err)
				result.Errors++
				offset++
				continue
			}
			result.Deleted++
			result.BytesFreed += record.Size
		}

		if len(page.Records) < batchSize {
			return nil
		}
	}
	slog.Warn("Cleanup run hit the per-run ceiling, remaining records deferred",
		"ceiling", maxPerRun)
	return nil
}
