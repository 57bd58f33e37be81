package reaper

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bozonx/tmpfiles/internal/engine"
	"github.com/bozonx/tmpfiles/internal/metadata"
	"github.com/bozonx/tmpfiles/internal/storage"
)

func newExpiryFixture(t *testing.T) (*ExpiryReaper, *engine.Engine, *storage.MemoryBackend, *metadata.MemoryStore) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	store := metadata.NewMemoryStore()
	eng := engine.New(backend, store, engine.Options{
		MaxFileSize: 1 << 20,
		MaxTTL:      7 * 24 * time.Hour,
	})
	return NewExpiryReaper(eng, "*/10 * * * *", 10), eng, backend, store
}

// seedFile stores an object and its record directly, with full control over
// the timestamps.
func seedFile(t *testing.T, backend storage.Backend, store metadata.Store, n int, uploadedAt time.Time, ttl time.Duration) *metadata.FileRecord {
	t.Helper()
	ctx := context.Background()

	id := fmt.Sprintf("%08d-0000-4000-8000-000000000000", n)
	key := fmt.Sprintf("2026-08/%s_file_%08d.txt", id, n)
	content := strings.Repeat("x", 100)
	if _, err := backend.Put(ctx, key, strings.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	record := &metadata.FileRecord{
		ID:           id,
		OriginalName: fmt.Sprintf("file-%d.txt", n),
		StoredName:   fmt.Sprintf("file_%08d.txt", n),
		MimeType:     "text/plain",
		Size:         int64(len(content)),
		Hash:         fmt.Sprintf("%064d", n),
		UploadedAt:   uploadedAt,
		TTLSeconds:   int64(ttl.Seconds()),
		ExpiresAt:    uploadedAt.Add(ttl),
		FilePath:     key,
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return record
}

func TestExpiryReaperRemovesExpired(t *testing.T) {
	reaper, eng, backend, store := newExpiryFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired1 := seedFile(t, backend, store, 1, now.Add(-2*time.Hour), time.Hour)
	expired2 := seedFile(t, backend, store, 2, now.Add(-3*time.Hour), time.Hour)
	live := seedFile(t, backend, store, 3, now.Add(-time.Hour), 24*time.Hour)

	result, err := reaper.RunOnce(ctx, CleanupOptions{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2", result.Deleted)
	}
	if result.BytesFreed != 200 {
		t.Errorf("BytesFreed = %d, want 200", result.BytesFreed)
	}
	if result.Errors != 0 {
		t.Errorf("Errors = %d, want 0", result.Errors)
	}

	for _, id := range []string{expired1.ID, expired2.ID} {
		if rec, _ := store.Get(ctx, id); rec != nil {
			t.Errorf("expired record %s still present", id)
		}
	}
	if rec, _ := store.Get(ctx, live.ID); rec == nil {
		t.Error("live record was deleted")
	}
	if backend.Len() != 1 {
		t.Errorf("backend holds %d objects, want 1", backend.Len())
	}

	// Record is gone on the next run.
	if _, err := eng.GetFileInfo(ctx, expired1.ID); err == nil {
		t.Error("GetFileInfo succeeded for a reaped record")
	}
	result, err = reaper.RunOnce(ctx, CleanupOptions{})
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if result.Deleted != 0 {
		t.Errorf("second run deleted %d, want 0", result.Deleted)
	}
}

func TestExpiryReaperPagination(t *testing.T) {
	reaper, _, backend, store := newExpiryFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// 25 expired records against a batch size of 10 takes three pages.
	for i := 0; i < 25; i++ {
		seedFile(t, backend, store, i, now.Add(-2*time.Hour), time.Hour)
	}

	result, err := reaper.RunOnce(ctx, CleanupOptions{BatchSize: 10})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Deleted != 25 {
		t.Errorf("Deleted = %d, want 25", result.Deleted)
	}
	if backend.Len() != 0 {
		t.Errorf("backend holds %d objects, want 0", backend.Len())
	}
}

func TestExpiryReaperDryRun(t *testing.T) {
	reaper, _, backend, store := newExpiryFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedFile(t, backend, store, 1, now.Add(-2*time.Hour), time.Hour)
	seedFile(t, backend, store, 2, now.Add(-2*time.Hour), time.Hour)

	result, err := reaper.RunOnce(ctx, CleanupOptions{DryRun: true})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Deleted != 2 || result.BytesFreed != 200 {
		t.Errorf("dry run counted %d/%d, want 2/200", result.Deleted, result.BytesFreed)
	}
	if !result.DryRun {
		t.Error("result not marked as dry run")
	}
	if backend.Len() != 2 {
		t.Errorf("dry run removed objects: backend holds %d, want 2", backend.Len())
	}

	// Dry runs do not count toward the reaper's stats.
	if snap := reaper.Stats(); snap.TotalRuns != 0 {
		t.Errorf("TotalRuns = %d after dry run, want 0", snap.TotalRuns)
	}
}

func TestExpiryReaperOlderThan(t *testing.T) {
	reaper, _, backend, store := newExpiryFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Old but unexpired, old and expired, recent.
	oldLive := seedFile(t, backend, store, 1, now.Add(-48*time.Hour), 30*24*time.Hour)
	oldExpired := seedFile(t, backend, store, 2, now.Add(-48*time.Hour), time.Hour)
	recent := seedFile(t, backend, store, 3, now.Add(-time.Hour), 30*24*time.Hour)

	result, err := reaper.RunOnce(ctx, CleanupOptions{OlderThan: 24 * time.Hour})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2 (both old records)", result.Deleted)
	}
	for _, id := range []string{oldLive.ID, oldExpired.ID} {
		if rec, _ := store.Get(ctx, id); rec != nil {
			t.Errorf("old record %s still present", id)
		}
	}
	if rec, _ := store.Get(ctx, recent.ID); rec == nil {
		t.Error("recent record was deleted")
	}
}

func TestExpiryReaperStats(t *testing.T) {
	reaper, _, backend, store := newExpiryFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedFile(t, backend, store, 1, now.Add(-2*time.Hour), time.Hour)
	if _, err := reaper.RunOnce(ctx, CleanupOptions{}); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	seedFile(t, backend, store, 2, now.Add(-2*time.Hour), time.Hour)
	if _, err := reaper.RunOnce(ctx, CleanupOptions{}); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	snap := reaper.Stats()
	if snap.TotalRuns != 2 {
		t.Errorf("TotalRuns = %d, want 2", snap.TotalRuns)
	}
	if snap.TotalDeleted != 2 {
		t.Errorf("TotalDeleted = %d, want 2", snap.TotalDeleted)
	}
	if snap.TotalBytesReclaimed != 200 {
		t.Errorf("TotalBytesReclaimed = %d, want 200", snap.TotalBytesReclaimed)
	}
	if snap.LastRun.IsZero() {
		t.Error("LastRun not set")
	}
}

func TestExpiryReaperInvalidSchedule(t *testing.T) {
	_, eng, _, _ := newExpiryFixture(t)
	bad := NewExpiryReaper(eng, "not a schedule", 10)
	if err := bad.Start(); err == nil {
		bad.Stop()
		t.Fatal("Start accepted an invalid schedule")
	}
}
