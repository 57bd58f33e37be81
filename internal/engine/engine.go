// Package engine implements the storage orchestrator: the streaming upload
// pipeline, deduplication, two-phase commit across the object backend and the
// metadata store, and the read/delete/search dispatch the HTTP layer consumes.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/bozonx/tmpfiles/internal/errors"
	"github.com/bozonx/tmpfiles/internal/filename"
	"github.com/bozonx/tmpfiles/internal/metadata"
	"github.com/bozonx/tmpfiles/internal/metrics"
	"github.com/bozonx/tmpfiles/internal/storage"
	"github.com/bozonx/tmpfiles/internal/uid"
)

const (
	// MinTTL is the smallest accepted lifetime for an upload.
	MinTTL = 60 * time.Second

	// sniffLimit is how much of the stream head is buffered for content-type
	// detection.
	sniffLimit = 16 * 1024

	// Metadata shape limits.
	maxMetadataEntries = 50
	maxMetadataKeyLen  = 100
	maxOriginalNameLen = 255
)

// Options configures the storage engine. All fields are immutable after New.
type Options struct {
	// MaxFileSize is the upload ceiling in bytes.
	MaxFileSize int64
	// MaxTTL is the ceiling on requested lifetimes.
	MaxTTL time.Duration
	// AllowedMimeTypes restricts accepted content types. Empty permits all.
	AllowedMimeTypes []string
	// EnableDeduplication turns on content-addressed dedup.
	EnableDeduplication bool
}

// Engine orchestrates the object backend and the metadata store. It is safe
// for concurrent use.
type Engine struct {
	backend storage.Backend
	store   metadata.Store
	opts    Options

	// hashLocks serializes concurrent uploads of identical content so dedup
	// resolves to a single stored object.
	hashLocks keyedMutex

	// now is the clock source, overridable in tests.
	now func() time.Time
}

// New creates an Engine over the given backend and store.
func New(backend storage.Backend, store metadata.Store, opts Options) *Engine {
	return &Engine{
		backend: backend,
		store:   store,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SaveFileInput carries one upload request into the engine.
type SaveFileInput struct {
	// Reader is the content stream. The engine consumes it to completion or
	// to the first error.
	Reader io.Reader
	// OriginalName is the caller-supplied filename.
	OriginalName string
	// DeclaredMime is the caller-declared content type. Content sniffing
	// overrides it when the magic bytes identify a concrete type.
	DeclaredMime string
	// TTLSeconds is the requested lifetime.
	TTLSeconds int64
	// Metadata is the caller-supplied free-form map.
	Metadata map[string]any
	// AllowDuplicate is advisory: deduplication is governed by configuration,
	// and a false value only records the caller's intent in the logs.
	AllowDuplicate bool
}

// SaveFile runs the upload pipeline: admission, streaming consume through
// hash/counter/sniffer into the backend at a tentative key, MIME policy,
// deduplication, then the two-phase commit of object and record. Any failure
// after bytes hit the backend tears the object down before returning.
func (e *Engine) SaveFile(ctx context.Context, in SaveFileInput) (*metadata.FileRecord, error) {
	if err := e.admit(in); err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	id := uid.NewFileID()
	now := e.now()
	tentativeKey := filename.JoinKey(filename.DatePrefix(now), id+".part")

	pr := &pipelineReader{src: in.Reader, hasher: sha256.New(), limit: e.opts.MaxFileSize}
	written, err := e.backend.Put(ctx, tentativeKey, pr)
	if err != nil {
		e.discard(tentativeKey)
		if pr.exceeded {
			metrics.UploadsTotal.WithLabelValues("rejected").Inc()
			return nil, apperrors.ErrSizeExceeded.WithMessage(
				"file exceeds the maximum size of %d bytes", e.opts.MaxFileSize)
		}
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, apperrors.ErrBackendWriteFailed.Wrap(err)
	}
	if written == 0 {
		e.discard(tentativeKey)
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrValidation.WithMessage("empty file content")
	}

	mimeType := e.resolveMime(pr.sniff, in.DeclaredMime)
	if !e.mimeAllowed(mimeType) {
		e.discard(tentativeKey)
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrMimeNotAllowed.WithMessage("content type %q is not allowed", mimeType)
	}

	hashHex := hex.EncodeToString(pr.hasher.Sum(nil))

	if e.opts.EnableDeduplication {
		if !in.AllowDuplicate {
			slog.Debug("Caller requested no duplicate; deduplication already enabled", "id", id)
		}
		unlock := e.hashLocks.lock(hashHex)
		defer unlock()

		existing, err := e.findDuplicate(ctx, hashHex)
		if err != nil {
			e.discard(tentativeKey)
			metrics.UploadsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		if existing != nil {
			e.discard(tentativeKey)
			metrics.UploadsTotal.WithLabelValues("deduplicated").Inc()
			slog.Info("Upload deduplicated", "id", existing.ID, "hash", hashHex, "size", written)
			return existing, nil
		}
	}

	storedName := filename.SafeStoredName(in.OriginalName, hashHex)
	finalKey := filename.JoinKey(filename.DatePrefix(now), id+"_"+storedName)
	if err := e.backend.Rename(ctx, tentativeKey, finalKey); err != nil {
		e.discard(tentativeKey)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, apperrors.ErrBackendWriteFailed.Wrap(err)
	}

	record := &metadata.FileRecord{
		ID:           id,
		OriginalName: in.OriginalName,
		StoredName:   storedName,
		MimeType:     mimeType,
		Size:         written,
		Hash:         hashHex,
		UploadedAt:   now,
		TTLSeconds:   in.TTLSeconds,
		ExpiresAt:    now.Add(time.Duration(in.TTLSeconds) * time.Second),
		FilePath:     finalKey,
		Metadata:     in.Metadata,
	}
	if err := e.store.Save(ctx, record); err != nil {
		e.discard(finalKey)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, apperrors.ErrMetadataWriteFailed.Wrap(err)
	}

	metrics.UploadsTotal.WithLabelValues("stored").Inc()
	metrics.BytesReceivedTotal.Add(float64(written))
	metrics.FilesTotal.Inc()
	metrics.StorageBytes.Add(float64(written))
	slog.Info("File stored", "id", id, "size", written, "mime", mimeType, "key", finalKey)
	return record, nil
}

// admit validates the upload request before any bytes are consumed.
func (e *Engine) admit(in SaveFileInput) error {
	if in.Reader == nil {
		return apperrors.ErrValidation.WithMessage("missing file content")
	}
	if len(in.OriginalName) > maxOriginalNameLen {
		return apperrors.ErrValidation.WithMessage("file name exceeds %d characters", maxOriginalNameLen)
	}
	ttl := time.Duration(in.TTLSeconds) * time.Second
	if ttl < MinTTL || ttl > e.opts.MaxTTL {
		return apperrors.ErrValidation.WithMessage("ttl must be between %d and %d seconds",
			int64(MinTTL.Seconds()), int64(e.opts.MaxTTL.Seconds()))
	}
	return validateUserMetadata(in.Metadata)
}

// validateUserMetadata enforces the shape limits on caller-supplied metadata:
// bounded entry count, bounded key length, and scalar or string-list values.
func validateUserMetadata(meta map[string]any) error {
	if len(meta) > maxMetadataEntries {
		return apperrors.ErrValidation.WithMessage("metadata exceeds %d entries", maxMetadataEntries)
	}
	for key, value := range meta {
		if len(key) > maxMetadataKeyLen {
			return apperrors.ErrValidation.WithMessage(
				"metadata key %q exceeds %d characters", key, maxMetadataKeyLen)
		}
		switch v := value.(type) {
		case nil, string, bool,
			float32, float64,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
		case []string:
		case []any:
			for _, item := range v {
				if _, ok := item.(string); !ok {
					return apperrors.ErrValidation.WithMessage(
						"metadata key %q: array values must be strings", key)
				}
			}
		default:
			return apperrors.ErrValidation.WithMessage(
				"metadata key %q has unsupported value type", key)
		}
	}
	return nil
}

// resolveMime picks the final content type: sniffed magic bytes win when they
// identify a concrete type, otherwise the declared value stands.
func (e *Engine) resolveMime(head []byte, declared string) string {
	detected := mimetype.Detect(head).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = strings.TrimSpace(detected[:i])
	}
	if detected != "" && detected != "application/octet-stream" {
		return detected
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

// mimeAllowed checks the content type against the configured allow-list.
func (e *Engine) mimeAllowed(mimeType string) bool {
	if len(e.opts.AllowedMimeTypes) == 0 {
		return true
	}
	for _, allowed := range e.opts.AllowedMimeTypes {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

// findDuplicate resolves the content hash to an existing live record. A record
// whose backend object has gone missing (a prior partial failure) is not a
// duplicate; the stale record is left for the reapers.
func (e *Engine) findDuplicate(ctx context.Context, hashHex string) (*metadata.FileRecord, error) {
	existing, err := e.store.FindByHash(ctx, hashHex)
	if err != nil {
		return nil, apperrors.ErrMetadataReadFailed.Wrap(err)
	}
	if existing == nil || existing.Expired(e.now()) {
		return nil, nil
	}
	ok, err := e.backend.Exists(ctx, existing.FilePath)
	if err != nil {
		return nil, apperrors.ErrBackendReadFailed.Wrap(err)
	}
	if !ok {
		slog.Warn("Dedup candidate has no backend object, storing fresh copy",
			"id", existing.ID, "hash", hashHex, "key", existing.FilePath)
		return nil, nil
	}
	return existing, nil
}

// discard removes a backend object on a failure path. Best effort: the orphan
// reaper catches anything that slips through.
func (e *Engine) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.backend.Delete(ctx, key); err != nil {
		slog.Warn("Failed to discard backend object", "key", key, "error", err)
	}
}

// GetFileInfo loads the record for id. Expired records are reported as
// EXPIRED, which external callers surface as not-found.
func (e *Engine) GetFileInfo(ctx context.Context, id string) (*metadata.FileRecord, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, apperrors.ErrMetadataReadFailed.Wrap(err)
	}
	if record == nil {
		return nil, apperrors.ErrNotFound.WithMessage("file %q not found", id)
	}
	if record.Expired(e.now()) {
		return nil, apperrors.ErrExpired.WithMessage("file %q has expired", id)
	}
	return record, nil
}

// ReadFile returns the whole content of the file.
func (e *Engine) ReadFile(ctx context.Context, id string) ([]byte, *metadata.FileRecord, error) {
	record, err := e.GetFileInfo(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	data, err := e.backend.Get(ctx, record.FilePath)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, nil, apperrors.ErrBackendMissing.WithMessage(
				"content for file %q is missing from the backend", id)
		}
		return nil, nil, apperrors.ErrBackendReadFailed.Wrap(err)
	}

	metrics.DownloadsTotal.WithLabelValues("success").Inc()
	metrics.BytesSentTotal.Add(float64(len(data)))
	return data, record, nil
}

// OpenReadStream returns the content as a stream plus the record for header
// assembly. The caller closes the stream.
func (e *Engine) OpenReadStream(ctx context.Context, id string) (io.ReadCloser, *metadata.FileRecord, error) {
	record, err := e.GetFileInfo(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	body, _, err := e.backend.OpenRead(ctx, record.FilePath)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, nil, apperrors.ErrBackendMissing.WithMessage(
				"content for file %q is missing from the backend", id)
		}
		return nil, nil, apperrors.ErrBackendReadFailed.Wrap(err)
	}

	metrics.DownloadsTotal.WithLabelValues("success").Inc()
	metrics.BytesSentTotal.Add(float64(record.Size))
	return body, record, nil
}

// DeleteFile removes the content and then the record. The object goes first:
// if its delete fails with a real error the record is kept, so the file stays
// retryable by the caller or reclaimable by the expiry reaper. Expired records
// can still be deleted explicitly.
func (e *Engine) DeleteFile(ctx context.Context, id string) (*metadata.FileRecord, error) {
	record, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, apperrors.ErrMetadataReadFailed.Wrap(err)
	}
	if record == nil {
		return nil, apperrors.ErrNotFound.WithMessage("file %q not found", id)
	}

	if err := e.backend.Delete(ctx, record.FilePath); err != nil {
		return nil, apperrors.ErrBackendWriteFailed.Wrap(err)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return nil, apperrors.ErrMetadataWriteFailed.Wrap(err)
	}

	metrics.FilesTotal.Dec()
	metrics.StorageBytes.Sub(float64(record.Size))
	slog.Info("File deleted", "id", id, "size", record.Size, "key", record.FilePath)
	return record, nil
}

// SearchFiles delegates to the metadata store.
func (e *Engine) SearchFiles(ctx context.Context, filter metadata.SearchFilter, limit, offset int) (*metadata.SearchResult, error) {
	result, err := e.store.Search(ctx, filter, limit, offset)
	if err != nil {
		return nil, apperrors.ErrMetadataReadFailed.Wrap(err)
	}
	return result, nil
}

// GetStats returns aggregate counters and refreshes the storage gauges.
func (e *Engine) GetStats(ctx context.Context) (*metadata.FileStats, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, apperrors.ErrMetadataReadFailed.Wrap(err)
	}
	metrics.FilesTotal.Set(float64(stats.TotalFiles))
	metrics.StorageBytes.Set(float64(stats.TotalSize))
	return stats, nil
}

// ComponentHealth reports the probe result for one dependency.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Health is the aggregate health of the storage engine's dependencies.
type Health struct {
	Healthy  bool            `json:"healthy"`
	Backend  ComponentHealth `json:"backend"`
	Metadata ComponentHealth `json:"metadata"`
}

// GetHealth probes the backend and the metadata store.
func (e *Engine) GetHealth(ctx context.Context) *Health {
	h := &Health{Backend: ComponentHealth{Healthy: true}, Metadata: ComponentHealth{Healthy: true}}
	if err := e.backend.HealthCheck(ctx); err != nil {
		h.Backend = ComponentHealth{Error: err.Error()}
	}
	if err := e.store.Ping(ctx); err != nil {
		h.Metadata = ComponentHealth{Error: err.Error()}
	}
	h.Healthy = h.Backend.Healthy && h.Metadata.Healthy
	return h
}

// pipelineReader wraps the upload stream: it hashes and counts every chunk,
// retains the stream head for MIME sniffing, and cuts the stream off with an
// error once the size ceiling is crossed. Backpressure is inherent: the next
// Read happens only after the backend has consumed the previous chunk.
type pipelineReader struct {
	src      io.Reader
	hasher   hash.Hash
	limit    int64
	n        int64
	sniff    []byte
	exceeded bool
}

// errSizeExceeded cuts off the backend sink mid-stream.
var errSizeExceeded = errors.New("size limit exceeded")

func (r *pipelineReader) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, errSizeExceeded
	}

	n, err := r.src.Read(p)
	if n > 0 {
		chunk := p[:n]
		r.hasher.Write(chunk)
		r.n += int64(n)
		if remain := sniffLimit - len(r.sniff); remain > 0 {
			if len(chunk) > remain {
				chunk = chunk[:remain]
			}
			r.sniff = append(r.sniff, chunk...)
		}
		if r.limit > 0 && r.n > r.limit {
			r.exceeded = true
			return n, errSizeExceeded
		}
	}
	return n, err
}

// keyedMutex provides per-key locking with refcounted entries so the map does
// not grow with every distinct key ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns the release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
