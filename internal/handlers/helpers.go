// Package handlers implements the JSON HTTP handlers for the tmpfiles file
// API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/bozonx/tmpfiles/internal/errors"
	"github.com/bozonx/tmpfiles/internal/metadata"
)

// fileResponse is the wire representation of a FileRecord. The backend key is
// internal and never exposed.
type fileResponse struct {
	ID           string         `json:"id"`
	OriginalName string         `json:"originalName"`
	StoredName   string         `json:"storedName"`
	MimeType     string         `json:"mimeType"`
	Size         int64          `json:"size"`
	Hash         string         `json:"hash"`
	UploadedAt   time.Time      `json:"uploadedAt"`
	TTLSeconds   int64          `json:"ttl"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func toFileResponse(r *metadata.FileRecord) fileResponse {
	return fileResponse{
		ID:           r.ID,
		OriginalName: r.OriginalName,
		StoredName:   r.StoredName,
		MimeType:     r.MimeType,
		Size:         r.Size,
		Hash:         r.Hash,
		UploadedAt:   r.UploadedAt,
		TTLSeconds:   r.TTLSeconds,
		ExpiresAt:    r.ExpiresAt,
		Metadata:     r.Metadata,
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response body", "error", err)
	}
}

// writeError maps a storage error to its HTTP status and error envelope.
// Expired records are reported as NOT_FOUND: callers cannot distinguish a
// file that expired from one that never existed.
func writeError(w http.ResponseWriter, err error) {
	var se *apperrors.StorageError
	if !errors.As(err, &se) {
		slog.Error("Unclassified handler error", "error", err)
		se = apperrors.ErrInternal
	}

	code := se.Code
	status := se.HTTPStatus
	message := se.Message
	if code == apperrors.CodeExpired {
		code = apperrors.CodeNotFound
		status = http.StatusNotFound
		message = "file not found"
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      string(code),
		Message:   message,
		Retryable: se.Retryable,
	}})
}
