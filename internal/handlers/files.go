package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bozonx/tmpfiles/internal/engine"
	apperrors "github.com/bozonx/tmpfiles/internal/errors"
	"github.com/bozonx/tmpfiles/internal/metadata"
	"github.com/bozonx/tmpfiles/internal/uid"
)

const (
	// maxFieldLen bounds the small multipart form fields (ttl, allowDuplicate).
	maxFieldLen = 256
	// maxMetadataLen bounds the metadata JSON field.
	maxMetadataLen = 64 * 1024

	defaultPageSize = 50
	maxPageSize     = 1000
)

// FileHandler serves the /files API on top of the storage engine.
type FileHandler struct {
	engine *engine.Engine
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(eng *engine.Engine) *FileHandler {
	return &FileHandler{engine: eng}
}

// Upload handles POST /files. The multipart form carries the scalar fields
// (ttl, metadata, allowDuplicate) followed by the file part; the file part is
// streamed into the engine without buffering, so the scalar fields must come
// first.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, apperrors.ErrValidation.WithMessage("request body must be multipart/form-data"))
		return
	}

	in := engine.SaveFileInput{AllowDuplicate: true}
	var record *metadata.FileRecord

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, apperrors.ErrValidation.WithMessage("malformed multipart body"))
			return
		}

		switch part.FormName() {
		case "ttl":
			value, err := readField(part, maxFieldLen)
			if err != nil {
				writeError(w, apperrors.ErrValidation.WithMessage("reading ttl field failed"))
				return
			}
			ttl, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				writeError(w, apperrors.ErrValidation.WithMessage("ttl must be an integer number of seconds"))
				return
			}
			in.TTLSeconds = ttl

		case "metadata":
			value, err := readField(part, maxMetadataLen)
			if err != nil {
				writeError(w, apperrors.ErrValidation.WithMessage("reading metadata field failed"))
				return
			}
			if value != "" {
				if err := json.Unmarshal([]byte(value), &in.Metadata); err != nil {
					writeError(w, apperrors.ErrValidation.WithMessage("metadata must be a JSON object"))
					return
				}
			}

		case "allowDuplicate":
			value, err := readField(part, maxFieldLen)
			if err != nil {
				writeError(w, apperrors.ErrValidation.WithMessage("reading allowDuplicate field failed"))
				return
			}
			allow, err := strconv.ParseBool(value)
			if err != nil {
				writeError(w, apperrors.ErrValidation.WithMessage("allowDuplicate must be a boolean"))
				return
			}
			in.AllowDuplicate = allow

		case "file":
			in.Reader = part
			in.OriginalName = part.FileName()
			in.DeclaredMime = part.Header.Get("Content-Type")
			record, err = h.engine.SaveFile(r.Context(), in)
			part.Close()
			if err != nil {
				writeError(w, err)
				return
			}

		default:
			part.Close()
		}
	}

	if record == nil {
		writeError(w, apperrors.ErrValidation.WithMessage("multipart form is missing the file part"))
		return
	}
	writeJSON(w, http.StatusCreated, toFileResponse(record))
}

// listResponse is the wire envelope for GET /files.
type listResponse struct {
	Files  []fileResponse `json:"files"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// List handles GET /files: filtered, paginated search ordered by upload time
// descending.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, limit, offset, err := parseSearchQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.engine.SearchFiles(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := listResponse{
		Files:  make([]fileResponse, 0, len(result.Records)),
		Total:  result.Total,
		Limit:  limit,
		Offset: offset,
	}
	for i := range result.Records {
		resp.Files = append(resp.Files, toFileResponse(&result.Records[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats handles GET /files/stats.
func (h *FileHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Info handles GET /files/{id}.
func (h *FileHandler) Info(w http.ResponseWriter, r *http.Request) {
	id, err := fileID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.engine.GetFileInfo(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(record))
}

// Download handles GET /files/{id}/download, streaming the content with an
// attachment disposition.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := fileID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, record, err := h.engine.OpenReadStream(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	name := record.OriginalName
	if name == "" {
		name = record.StoredName
	}
	w.Header().Set("Content-Type", record.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(record.Size, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		// Headers are already on the wire; all we can do is log.
		slog.Warn("Streaming download interrupted", "id", id, "error", err)
	}
}

// existsResponse is the wire envelope for GET /files/{id}/exists.
type existsResponse struct {
	Exists bool `json:"exists"`
}

// Exists handles GET /files/{id}/exists. Expired and unknown files both
// report false.
func (h *FileHandler) Exists(w http.ResponseWriter, r *http.Request) {
	id, err := fileID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	_, err = h.engine.GetFileInfo(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, existsResponse{Exists: true})
	case errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrExpired):
		writeJSON(w, http.StatusOK, existsResponse{Exists: false})
	default:
		writeError(w, err)
	}
}

// Delete handles DELETE /files/{id} and returns the removed record.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := fileID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.engine.DeleteFile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(record))
}

// fileID extracts and validates the id route parameter.
func fileID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if !uid.IsFileID(id) {
		return "", apperrors.ErrValidation.WithMessage("file id must be a UUID")
	}
	return id, nil
}

// parseSearchQuery maps the list query parameters onto a search filter.
func parseSearchQuery(r *http.Request) (metadata.SearchFilter, int, int, error) {
	q := r.URL.Query()
	var filter metadata.SearchFilter

	filter.MimeType = q.Get("mimeType")

	var err error
	if filter.MinSize, err = queryInt64(q.Get("minSize")); err != nil {
		return filter, 0, 0, apperrors.ErrValidation.WithMessage("minSize must be an integer")
	}
	if filter.MaxSize, err = queryInt64(q.Get("maxSize")); err != nil {
		return filter, 0, 0, apperrors.ErrValidation.WithMessage("maxSize must be an integer")
	}
	if filter.UploadedAfter, err = queryTime(q.Get("uploadedAfter")); err != nil {
		return filter, 0, 0, apperrors.ErrValidation.WithMessage("uploadedAfter must be an RFC 3339 timestamp")
	}
	if filter.UploadedBefore, err = queryTime(q.Get("uploadedBefore")); err != nil {
		return filter, 0, 0, apperrors.ErrValidation.WithMessage("uploadedBefore must be an RFC 3339 timestamp")
	}

	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, 0, 0, apperrors.ErrValidation.WithMessage("limit must be a positive integer")
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, 0, 0, apperrors.ErrValidation.WithMessage("offset must be a non-negative integer")
		}
		offset = n
	}
	return filter, limit, offset, nil
}

func queryInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// readField reads one small multipart field, rejecting oversized values.
func readField(part io.ReadCloser, limit int64) (string, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", errors.New("field too long")
	}
	return string(data), nil
}
