package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func TestSQLiteStoreSuite(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	runStoreSuite(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	store, dbPath := newSQLiteTestStore(t)
	ctx := context.Background()

	rec := testRecord("11111111-1111-4111-8111-111111111111",
		"aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111",
		"application/pdf", 1234, time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC), 7200)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got == nil {
		t.Fatal("Get after reopen returned nil")
	}
	if !got.UploadedAt.Equal(rec.UploadedAt) {
		t.Errorf("UploadedAt = %v, want %v", got.UploadedAt, rec.UploadedAt)
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, rec.ExpiresAt)
	}
	if got.TTLSeconds != rec.TTLSeconds {
		t.Errorf("TTLSeconds = %d, want %d", got.TTLSeconds, rec.TTLSeconds)
	}
}

func TestSQLiteStoreSaveIsUpsert(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	ctx := context.Background()

	rec := testRecord("11111111-1111-4111-8111-111111111111",
		"aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111",
		"text/plain", 100, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), 3600)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec.Size = 200
	rec.MimeType = "text/csv"
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Size != 200 || got.MimeType != "text/csv" {
		t.Errorf("record = size %d mime %q, want size 200 mime text/csv", got.Size, got.MimeType)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalFiles != 1 {
		t.Errorf("TotalFiles = %d, want 1 after upsert", stats.TotalFiles)
	}
}

func TestSQLiteStoreEmptyMetadataRoundTrip(t *testing.T) {
	store, _ := newSQLiteTestStore(t)
	ctx := context.Background()

	rec := testRecord("22222222-2222-4222-8222-222222222222",
		"bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222bbbb2222",
		"text/plain", 10, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), 3600)
	rec.Metadata = nil
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata != nil {
		t.Errorf("Metadata = %v, want nil", got.Metadata)
	}
}
