package metadata

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements the Store interface with an in-process map. It backs
// the "memory" metadata engine and the package tests; contents are lost on
// restart.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*FileRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]*FileRecord)}
}

// Save upserts a full record.
func (s *MemoryStore) Save(ctx context.Context, record *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[record.ID] = record.Clone()
	return nil
}

// Get retrieves the record with the given id, or nil when absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	return record.Clone(), nil
}

// Delete removes the record with the given id. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	return nil
}

// FindByHash scans for a record with the given content hash, or nil when
// absent.
func (s *MemoryStore) FindByHash(ctx context.Context, hash string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.files {
		if record.Hash == hash {
			return record.Clone(), nil
		}
	}
	return nil, nil
}

// Search filters records, orders them by upload time descending, and returns
// the requested page plus the total match count.
func (s *MemoryStore) Search(ctx context.Context, filter SearchFilter, limit, offset int) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	matched := make([]*FileRecord, 0, len(s.files))
	for _, record := range s.files {
		if filter.Matches(record, now) {
			matched = append(matched, record)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UploadedAt.After(matched[j].UploadedAt)
	})

	return pageRecords(matched, limit, offset), nil
}

// AllRecords invokes fn with the id and backend key of every stored record.
func (s *MemoryStore) AllRecords(ctx context.Context, fn func(id, filePath string) error) error {
	s.mu.RLock()
	snapshot := make(map[string]string, len(s.files))
	for id, record := range s.files {
		snapshot[id] = record.FilePath
	}
	s.mu.RUnlock()

	for id, filePath := range snapshot {
		if err := fn(id, filePath); err != nil {
			return err
		}
	}
	return nil
}

// Stats aggregates counters over all stored records.
func (s *MemoryStore) Stats(ctx context.Context) (*FileStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &FileStats{
		FilesByMime: make(map[string]int64),
		FilesByDate: make(map[string]int64),
	}
	for _, record := range s.files {
		stats.TotalFiles++
		stats.TotalSize += record.Size
		stats.FilesByMime[record.MimeType]++
		stats.FilesByDate[dateKey(record.UploadedAt)]++
	}
	return stats, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)
