package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bozonx/tmpfiles/internal/uid"
)

// dataFileName is the single JSON document holding all records.
const dataFileName = "data.json"

// jsonDocument is the on-disk layout of the JSON store.
type jsonDocument struct {
	Version int                    `json:"version"`
	Files   map[string]*FileRecord `json:"files"`
}

// JSONStore implements the Store interface with a single JSON document at
// <basePath>/data.json.
//
// Every mutation runs the read-modify-write-rename dance: read the current
// document, apply the change, write to a uniquely named temp file, rename
// over data.json. Rename on one filesystem is atomic, so concurrent readers
// see either the pre- or post-mutation document but never a torn one; the
// in-process mutex serializes writers so no update is lost.
type JSONStore struct {
	mu   sync.Mutex
	path string
}

// NewJSONStore creates a JSONStore rooted at basePath and initializes the
// backing document: missing files are created empty, and a document that
// fails to parse is archived aside and reinitialized rather than refusing to
// start (the records were already unusable).
func NewJSONStore(basePath string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory %q: %w", basePath, err)
	}

	s := &JSONStore{path: filepath.Join(basePath, dataFileName)}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// init validates or creates the backing document.
func (s *JSONStore) init() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.writeDocument(&jsonDocument{Version: 1, Files: map[string]*FileRecord{}})
	}
	if err != nil {
		return fmt.Errorf("reading metadata document: %w", err)
	}

	var doc jsonDocument
	if jsonErr := json.Unmarshal(data, &doc); jsonErr != nil || doc.Files == nil {
		archived := fmt.Sprintf("%s.corrupt.%d", s.path, time.Now().UTC().Unix())
		if renameErr := os.Rename(s.path, archived); renameErr != nil {
			return fmt.Errorf("archiving corrupt metadata document: %w", renameErr)
		}
		slog.Warn("Metadata document was corrupt, archived and reinitialized",
			"path", s.path, "archived", archived, "error", jsonErr)
		return s.writeDocument(&jsonDocument{Version: 1, Files: map[string]*FileRecord{}})
	}
	return nil
}

// loadDocument reads and parses the current document.
func (s *JSONStore) loadDocument() (*jsonDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata document: %w", err)
	}
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing metadata document: %w", err)
	}
	if doc.Files == nil {
		doc.Files = map[string]*FileRecord{}
	}
	return &doc, nil
}

// writeDocument writes the document to a unique temp sibling and renames it
// into place.
func (s *JSONStore) writeDocument(doc *jsonDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata document: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%s", s.path, uid.New())
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing metadata temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming metadata temp file: %w", err)
	}
	return nil
}

// mutate runs one serialized read-modify-write cycle.
func (s *JSONStore) mutate(fn func(doc *jsonDocument)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument()
	if err != nil {
		return err
	}
	fn(doc)
	return s.writeDocument(doc)
}

// Save upserts a full record.
func (s *JSONStore) Save(ctx context.Context, record *FileRecord) error {
	return s.mutate(func(doc *jsonDocument) {
		doc.Files[record.ID] = record.Clone()
	})
}

// Get retrieves the record with the given id, or nil when absent.
func (s *JSONStore) Get(ctx context.Context, id string) (*FileRecord, error) {
	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}
	record, ok := doc.Files[id]
	if !ok {
		return nil, nil
	}
	return record, nil
}

// Delete removes the record with the given id. Idempotent.
func (s *JSONStore) Delete(ctx context.Context, id string) error {
	return s.mutate(func(doc *jsonDocument) {
		delete(doc.Files, id)
	})
}

// FindByHash scans for a record with the given content hash, or nil when
// absent.
func (s *JSONStore) FindByHash(ctx context.Context, hash string) (*FileRecord, error) {
	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}
	for _, record := range doc.Files {
		if record.Hash == hash {
			return record, nil
		}
	}
	return nil, nil
}

// Search filters records, orders them by upload time descending, and returns
// the requested page plus the total match count.
func (s *JSONStore) Search(ctx context.Context, filter SearchFilter, limit, offset int) (*SearchResult, error) {
	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	matched := make([]*FileRecord, 0, len(doc.Files))
	for _, record := range doc.Files {
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
func (s *JSONStore) AllRecords(ctx context.Context, fn func(id, filePath string) error) error {
	doc, err := s.loadDocument()
	if err != nil {
		return err
	}
	for id, record := range doc.Files {
		if err := fn(id, record.FilePath); err != nil {
			return err
		}
	}
	return nil
}

// Stats aggregates counters over all stored records.
func (s *JSONStore) Stats(ctx context.Context) (*FileStats, error) {
	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}

	stats := &FileStats{
		FilesByMime: make(map[string]int64),
		FilesByDate: make(map[string]int64),
	}
	for _, record := range doc.Files {
		stats.TotalFiles++
		stats.TotalSize += record.Size
		stats.FilesByMime[record.MimeType]++
		stats.FilesByDate[dateKey(record.UploadedAt)]++
	}
	return stats, nil
}

// Ping checks that the backing document is readable.
func (s *JSONStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.path)
	return err
}

// Close is a no-op for the JSON store.
func (s *JSONStore) Close() error {
	return nil
}

// pageRecords slices one page out of the ordered match set.
func pageRecords(matched []*FileRecord, limit, offset int) *SearchResult {
	result := &SearchResult{Total: len(matched)}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return result
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	result.Records = make([]FileRecord, 0, end-offset)
	for _, record := range matched[offset:end] {
		result.Records = append(result.Records, *record.Clone())
	}
	return result
}

// Ensure JSONStore implements Store at compile time.
var _ Store = (*JSONStore)(nil)
