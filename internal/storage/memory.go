package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// memObject is one stored object in the in-memory backend.
type memObject struct {
	data    []byte
	modTime time.Time
}

// MemoryBackend implements the Backend interface entirely in memory. It is
// used by tests and by the "memory" demo backend; contents are lost on
// restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject
	// now is the clock source, overridable in tests to age objects past the
	// orphan grace window.
	now func() time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

// SetClock overrides the clock source. Tests use it to control object ages.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Len returns the number of stored objects.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Put consumes the reader and stores the data under key. The object becomes
// visible only after the full body has been read, so a failed read stores
// nothing.
func (b *MemoryBackend) Put(ctx context.Context, key string, reader io.Reader) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("reading object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memObject{data: data, modTime: b.now()}
	return int64(len(data)), nil
}

// Get returns a copy of the object data.
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("reading object %q: %w", key, ErrNotExist)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// OpenRead returns the object as a stream.
func (b *MemoryBackend) OpenRead(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes the object. Idempotent.
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

// Rename moves an object to a new key, preserving its modification time.
func (b *MemoryBackend) Rename(ctx context.Context, oldKey, newKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[oldKey]
	if !ok {
		return fmt.Errorf("renaming object %q: %w", oldKey, ErrNotExist)
	}
	b.objects[newKey] = obj
	delete(b.objects, oldKey)
	return nil
}

// Exists checks whether an object is stored at key.
func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok, nil
}

// ListKeys invokes fn for every stored object in key order. The listing
// operates on a snapshot so fn may mutate the backend.
func (b *MemoryBackend) ListKeys(ctx context.Context, fn func(KeyInfo) error) error {
	b.mu.RLock()
	infos := make([]KeyInfo, 0, len(b.objects))
	for key, obj := range b.objects {
		infos = append(infos, KeyInfo{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime})
	}
	b.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck always succeeds for the in-memory backend.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Ensure MemoryBackend implements Backend at compile time.
var _ Backend = (*MemoryBackend)(nil)
