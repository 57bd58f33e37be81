package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func newTestLocalBackend(t *testing.T) *LocalBackend {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	return backend
}

func TestLocalPutAndGet(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx := context.Background()

	content := "hello local backend"
	written, err := backend.Put(ctx, "2026-08/obj.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}

	data, err := backend.Get(ctx, "2026-08/obj.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}

	// No in-flight write artifacts remain after a successful Put.
	entries, err := os.ReadDir(filepath.Join(backend.RootDir, tmpDirName))
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir holds %d entries after Put, want 0", len(entries))
	}
}

func TestLocalGetNotFound(t *testing.T) {
	backend := newTestLocalBackend(t)

	_, err := backend.Get(context.Background(), "2026-08/missing.txt")
	if err == nil {
		t.Fatal("Get should fail for a missing object")
	}
	if !IsNotExist(err) {
		t.Errorf("error should wrap ErrNotExist, got: %v", err)
	}

	_, _, err = backend.OpenRead(context.Background(), "2026-08/missing.txt")
	if !IsNotExist(err) {
		t.Errorf("OpenRead error should wrap ErrNotExist, got: %v", err)
	}
}

func TestLocalOpenRead(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx := context.Background()

	content := "stream me"
	if _, err := backend.Put(ctx, "k", strings.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	body, size, err := backend.OpenRead(ctx, "k")
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	defer body.Close()
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
}

func TestLocalPutFailureLeavesNothing(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx := context.Background()

	reader := io.MultiReader(strings.NewReader("partial"), &failingReader{})
	if _, err := backend.Put(ctx, "2026-08/broken.bin", reader); err == nil {
		t.Fatal("Put should fail when the source reader fails")
	}

	if exists, _ := backend.Exists(ctx, "2026-08/broken.bin"); exists {
		t.Error("failed Put left a readable object behind")
	}
	entries, err := os.ReadDir(filepath.Join(backend.RootDir, tmpDirName))
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed Put left %d temp files behind", len(entries))
	}
}

func TestLocalPutCancelledContext(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := backend.Put(ctx, "k", strings.NewReader("data"))
	if err == nil {
		t.Fatal("Put should fail with a cancelled context")
	}
	if exists, _ := backend.Exists(context.Background(), "k"); exists {
		t.Error("cancelled Put left a readable object behind")
	}
}

func TestLocalDelete(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx := context.Background()

	if _, err := backend.Put(ctx, "2026-08/doomed.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := backend.Delete(ctx, "2026-08/doomed.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if exists, _ := backend.Exists(ctx, "2026-08/doomed.txt"); exists {
		t.Error("object still exists after delete")
	}

	// The emptied date partition directory is removed too.
	if _, err := os.Stat(filepath.Join(backend.RootDir, "2026-08")); !os.IsNotExist(err) {
		t.Error("empty partition directory was not cleaned up")
	}
	// The root itself stays.
	if _, err := os.Stat(backend.RootDir); err != nil {
		t.Errorf("storage root missing after delete: %v", err)
	}

	// Idempotent.
	if err := backend.Delete(ctx, "2026-08/doomed.txt"); err != nil {
		t.Errorf("second Delete should not error, got: %v", err)
	}
}

func TestLocalDeleteKeepsPopulatedPartition(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx := context.Background()

	if _, err := backend.Put(ctx, "2026-08/keep.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := backend.Put(ctx, "2026-08/drop.txt", strings.NewReader("y")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := backend.Delete(ctx, "2026-08/drop.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if exists, _ := backend.Exists(ctx, "2026-08/keep.txt"); !exists {
		t.Error("sibling object vanished after delete")
	}
}

func TestLocalRename(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx := context.Background()

	content := "promote me"
	if _, err := backend.Put(ctx, "2026-08/tentative.part", strings.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := backend.Rename(ctx, "2026-08/tentative.part", "2026-08/final.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	if exists, _ := backend.Exists(ctx, "2026-08/tentative.part"); exists {
		t.Error("old key still exists after rename")
	}
	data, err := backend.Get(ctx, "2026-08/final.txt")
	if err != nil {
		t.Fatalf("Get after rename failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
}

func TestLocalRenameMissingSource(t *testing.T) {
	backend := newTestLocalBackend(t)

	err := backend.Rename(context.Background(), "2026-08/missing", "2026-08/dst")
	if err == nil {
		t.Fatal("Rename should fail for a missing source")
	}
	if !IsNotExist(err) {
		t.Errorf("error should wrap ErrNotExist, got: %v", err)
	}
}

func TestLocalListKeys(t *testing.T) {
	backend := newTestLocalBackend(t)
	ctx := context.Background()

	want := []string{"2026-08/a.txt", "2026-08/b.txt", "2026-09/c.txt"}
	for _, key := range want {
		if _, err := backend.Put(ctx, key, strings.NewReader("data")); err != nil {
			t.Fatalf("Put(%q) failed: %v", key, err)
		}
	}

	// Neither metadata store files nor in-flight temp files are objects.
	if err := os.WriteFile(filepath.Join(backend.RootDir, "data.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("writing data.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(backend.RootDir, tmpDirName, "put-abc"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	var got []string
	err := backend.ListKeys(ctx, func(info KeyInfo) error {
		got = append(got, info.Key)
		if info.Size != 4 {
			t.Errorf("size of %q = %d, want 4", info.Key, info.Size)
		}
		if info.ModTime.IsZero() {
			t.Errorf("zero mod time for %q", info.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("listed %d keys, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLocalCleanTempFiles(t *testing.T) {
	backend := newTestLocalBackend(t)

	tmpDir := filepath.Join(backend.RootDir, tmpDirName)
	for _, name := range []string{"put-one", "put-two"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("leftover"), 0o644); err != nil {
			t.Fatalf("writing temp file: %v", err)
		}
	}

	if err := backend.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir holds %d entries after cleanup, want 0", len(entries))
	}
}

func TestLocalHealthCheck(t *testing.T) {
	backend := newTestLocalBackend(t)
	if err := backend.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

// failingReader always errors, simulating a client that aborts mid-upload.
type failingReader struct{}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
