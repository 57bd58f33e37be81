package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bozonx/tmpfiles/internal/metadata"
	"github.com/bozonx/tmpfiles/internal/metrics"
	"github.com/bozonx/tmpfiles/internal/storage"
)

// OrphanReaper reconciles the object backend against the metadata store:
// backend objects with no referencing record are deleted once they outlive
// the grace window. The grace window protects in-flight uploads, whose object
// exists before the record commits.
type OrphanReaper struct {
	backend  storage.Backend
	store    metadata.Store
	interval time.Duration
	grace    time.Duration
	stats    Stats

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewOrphanReaper creates an orphan reaper that runs every interval and
// skips objects younger than grace.
func NewOrphanReaper(backend storage.Backend, store metadata.Store, interval, grace time.Duration) *OrphanReaper {
	return &OrphanReaper{
		backend:  backend,
		store:    store,
		interval: interval,
		grace:    grace,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic reconciliation loop.
func (r *OrphanReaper) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		slog.Info("Orphan reaper started", "interval", r.interval, "grace", r.grace)
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				if _, err := r.RunOnce(ctx); err != nil {
					slog.Error("Orphan cleanup run failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight run to finish.
func (r *OrphanReaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	slog.Info("Orphan reaper stopped")
}

// Stats returns a snapshot of the reaper's counters.
func (r *OrphanReaper) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// RunOnce executes one reconciliation pass: snapshot the set of referenced
// backend keys, enumerate the backend, and delete unreferenced objects older
// than the grace window.
func (r *OrphanReaper) RunOnce(ctx context.Context) (*Result, error) {
	start := time.Now()

	// The snapshot is taken before the enumeration, so a record committed
	// mid-listing may look orphaned; its object is then protected by age.
	referenced := make(map[string]struct{})
	err := r.store.AllRecords(ctx, func(id, filePath string) error {
		referenced[filePath] = struct{}{}
		return nil
	})
	if err != nil {
		metrics.CleanupRunsTotal.WithLabelValues("orphan", "error").Inc()
		return nil, fmt.Errorf("snapshotting referenced keys: %w", err)
	}

	result := &Result{}
	cutoff := time.Now().UTC().Add(-r.grace)
	err = r.backend.ListKeys(ctx, func(info storage.KeyInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := referenced[info.Key]; ok {
			return nil
		}
		if info.ModTime.After(cutoff) {
			return nil
		}

		if err := r.backend.Delete(ctx, info.Key); err != nil {
			slog.Warn("Failed to delete orphaned object", "key", info.Key, "error", err)
			result.Errors++
			return nil
		}
		result.Deleted++
		result.BytesFreed += info.Size
		slog.Debug("Deleted orphaned object",
			"key", info.Key, "size", info.Size, "inflight", strings.HasSuffix(info.Key, ".part"))
		return nil
	})
	result.Duration = time.Since(start)
	if err != nil {
		metrics.CleanupRunsTotal.WithLabelValues("orphan", "error").Inc()
		return result, fmt.Errorf("enumerating backend keys: %w", err)
	}

	r.stats.recordRun(result.Deleted, result.BytesFreed, result.Duration)
	metrics.CleanupRunsTotal.WithLabelValues("orphan", "success").Inc()
	metrics.CleanupDeletedTotal.WithLabelValues("orphan").Add(float64(result.Deleted))
	metrics.CleanupBytesReclaimedTotal.WithLabelValues("orphan").Add(float64(result.BytesFreed))
	metrics.CleanupDuration.WithLabelValues("orphan").Observe(result.Duration.Seconds())

	if result.Deleted > 0 || result.Errors > 0 {
		slog.Info("Orphan cleanup finished",
			"deleted", result.Deleted, "bytesFreed", result.BytesFreed,
			"errors", result.Errors, "duration", result.Duration)
	}
	return result, nil
}
