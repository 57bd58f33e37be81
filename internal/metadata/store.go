// Package metadata defines the interface and implementations for the tmpfiles
// metadata layer, which tracks the authoritative record of every stored file.
package metadata

import (
	"context"
	"io"
	"time"
)

// FileRecord is the authoritative metadata entry for one logical upload.
type FileRecord struct {
	// ID is the opaque file identifier (UUID v4), immutable once assigned.
	ID string `json:"id"`
	// OriginalName is the caller-supplied filename, preserved for display.
	OriginalName string `json:"originalName"`
	// StoredName is the backend-friendly derivation of OriginalName and the
	// content hash. Not used for lookup.
	StoredName string `json:"storedName"`
	// MimeType is the detected or declared content type.
	MimeType string `json:"mimeType"`
	// Size is the byte count of the stored content.
	Size int64 `json:"size"`
	// Hash is the SHA-256 of the content, lowercase hex.
	Hash string `json:"hash"`
	// UploadedAt is the UTC timestamp of successful record creation.
	UploadedAt time.Time `json:"uploadedAt"`
	// TTLSeconds is the requested lifetime in seconds.
	TTLSeconds int64 `json:"ttl"`
	// ExpiresAt is UploadedAt plus the TTL, stored for index use.
	ExpiresAt time.Time `json:"expiresAt"`
	// FilePath is the backend key holding the content. Opaque to callers.
	FilePath string `json:"filePath"`
	// Metadata is the caller-supplied free-form map of scalar values.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the record's TTL has elapsed at the given instant.
func (r *FileRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Clone returns a deep-enough copy of the record: callers may mutate the
// returned Metadata map without affecting store state.
func (r *FileRecord) Clone() *FileRecord {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SearchFilter specifies the record filter for Search. Zero values mean
// "no constraint".
type SearchFilter struct {
	// MimeType matches records with exactly this content type.
	MimeType string
	// MinSize and MaxSize bound the record size in bytes.
	MinSize int64
	MaxSize int64
	// UploadedAfter and UploadedBefore bound the upload timestamp.
	UploadedAfter  time.Time
	UploadedBefore time.Time
	// ExpiredOnly selects only records whose TTL has elapsed. When false,
	// expired records are excluded: they are invisible to normal reads even
	// before the reaper physically removes them.
	ExpiredOnly bool
}

// Matches reports whether the record satisfies the filter at the given
// instant. Shared by the store implementations that filter in process.
func (f SearchFilter) Matches(r *FileRecord, now time.Time) bool {
	if f.ExpiredOnly != r.Expired(now) {
		return false
	}
	if f.MimeType != "" && r.MimeType != f.MimeType {
		return false
	}
	if f.MinSize > 0 && r.Size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && r.Size > f.MaxSize {
		return false
	}
	if !f.UploadedAfter.IsZero() && r.UploadedAt.Before(f.UploadedAfter) {
		return false
	}
	if !f.UploadedBefore.IsZero() && !r.UploadedAt.Before(f.UploadedBefore) {
		return false
	}
	return true
}

// SearchResult holds one page of search results plus the total match count.
type SearchResult struct {
	Records []FileRecord
	Total   int
}

// FileStats holds aggregate counters over the stored records.
type FileStats struct {
	TotalFiles  int64            `json:"totalFiles"`
	TotalSize   int64            `json:"totalSize"`
	FilesByMime map[string]int64 `json:"filesByMime"`
	FilesByDate map[string]int64 `json:"filesByDate"`
}

// dateKey is the bucket key used for FilesByDate aggregation.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store defines the interface for all metadata operations required by the
// storage engine and the reapers. Implementations must be safe for concurrent
// use.
type Store interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// Save upserts a full record. Idempotent.
	Save(ctx context.Context, record *FileRecord) error

	// Get retrieves the record with the given id, or nil when absent.
	Get(ctx context.Context, id string) (*FileRecord, error)

	// Delete removes the record with the given id. Idempotent.
	Delete(ctx context.Context, id string) error

	// FindByHash looks up a record by content hash, or nil when absent.
	// Consistent with Save and Delete at the point they return.
	FindByHash(ctx context.Context, hash string) (*FileRecord, error)

	// Search returns records matching the filter, ordered by upload time
	// descending, paginated by limit and offset. Total counts all matches.
	Search(ctx context.Context, filter SearchFilter, limit, offset int) (*SearchResult, error)

	// AllRecords invokes fn with the id and backend key of every stored
	// record. Used by the orphan reaper to snapshot live file paths.
	AllRecords(ctx context.Context, fn func(id, filePath string) error) error

	// Stats returns aggregate counters over all stored records.
	Stats(ctx context.Context) (*FileStats, error)
}
