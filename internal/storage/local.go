package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bozonx/tmpfiles/internal/uid"
)

// tmpDirName is the directory under the root that holds in-flight writes.
const tmpDirName = ".tmp"

// LocalBackend implements the Backend interface using the local filesystem.
// Objects are stored as files under a configurable root directory; keys are
// relative slash-separated paths (typically "YYYY-MM/<storedName>").
type LocalBackend struct {
	// RootDir is the base directory under which all object data is stored.
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the temp directory. This is called on
// startup as part of crash-only recovery: any temp files left behind indicate
// incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, tmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// objectPath returns the full filesystem path for a key.
func (b *LocalBackend) objectPath(key string) string {
	return filepath.Join(b.RootDir, filepath.FromSlash(key))
}

// tempPath returns a unique temporary file path in the temp directory.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, tmpDirName, "put-"+uid.New())
}

// Put writes object data to a file using the crash-only atomic write pattern:
// write to a temp file, fsync, rename into place. Rename within one
// filesystem guarantees that readers see either no object or the full object.
func (b *LocalBackend) Put(ctx context.Context, key string, reader io.Reader) (int64, error) {
	objPath := b.objectPath(key)

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directories for %q: %w", key, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	written, err := copyWithContext(ctx, tmpFile, reader)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing object data: %w", err)
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}

	return written, nil
}

// Get reads the whole object into memory.
func (b *LocalBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("reading object %q: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}
	return data, nil
}

// OpenRead opens the object file for reading. The caller is responsible for
// closing the returned ReadCloser.
func (b *LocalBackend) OpenRead(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	file, err := os.Open(b.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("opening object %q: %w", key, ErrNotExist)
		}
		return nil, 0, fmt.Errorf("opening object %q: %w", key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat object %q: %w", key, err)
	}

	return file, info.Size(), nil
}

// Delete removes the object file. Idempotent: deleting a non-existent file is
// not an error. Empty parent directories left behind by date-partitioned keys
// are cleaned up to the root.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	objPath := b.objectPath(key)

	err := os.Remove(objPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object %q: %w", key, err)
	}

	cleanEmptyParents(filepath.Dir(objPath), b.RootDir)
	return nil
}

// Rename moves an object to a new key using the same-filesystem rename
// guarantee. Parent directories for the new key are created as needed.
func (b *LocalBackend) Rename(ctx context.Context, oldKey, newKey string) error {
	oldPath := b.objectPath(oldKey)
	newPath := b.objectPath(newKey)

	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q: %w", newKey, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("renaming object %q: %w", oldKey, ErrNotExist)
		}
		return fmt.Errorf("renaming object %q to %q: %w", oldKey, newKey, err)
	}

	cleanEmptyParents(filepath.Dir(oldPath), b.RootDir)
	return nil
}

// Exists checks whether a regular file is stored at key.
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	info, err := os.Stat(b.objectPath(key))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence %q: %w", key, err)
}

// ListKeys walks the root directory tree, invoking fn for every stored
// object. The temp directory and metadata store files living under the same
// root (data.json and its siblings) are skipped.
func (b *LocalBackend) ListKeys(ctx context.Context, fn func(KeyInfo) error) error {
	return filepath.WalkDir(b.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries may disappear mid-walk when deletes race the listing.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, relErr := filepath.Rel(b.RootDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == tmpDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(rel, "data.json") {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			if os.IsNotExist(infoErr) {
				return nil
			}
			return infoErr
		}

		return fn(KeyInfo{
			Key:     rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	})
}

// HealthCheck verifies that the storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// copyWithContext copies src to dst chunk by chunk, aborting between chunks
// when ctx is cancelled. Upload cancellation must stop consuming the caller's
// stream promptly rather than draining it to the end.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// cleanEmptyParents removes empty directories starting from dir up to (but
// not including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			// Directory not empty or other error: stop climbing.
			break
		}
		dir = filepath.Dir(dir)
	}
}

// Ensure LocalBackend implements Backend at compile time.
var _ Backend = (*LocalBackend)(nil)
