// Package errors defines the storage error taxonomy used throughout tmpfiles.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a machine-readable discriminant for a storage error. The HTTP layer
// maps codes to status codes; the engine and stores return them directly.
type Code string

// Error codes returned at the engine edge.
const (
	CodeValidation          Code = "VALIDATION"
	CodeNotFound            Code = "NOT_FOUND"
	CodeExpired             Code = "EXPIRED"
	CodeSizeExceeded        Code = "SIZE_EXCEEDED"
	CodeMimeNotAllowed      Code = "MIME_NOT_ALLOWED"
	CodeBackendWriteFailed  Code = "BACKEND_WRITE_FAILED"
	CodeBackendReadFailed   Code = "BACKEND_READ_FAILED"
	CodeBackendMissing      Code = "BACKEND_MISSING"
	CodeMetadataWriteFailed Code = "METADATA_WRITE_FAILED"
	CodeMetadataReadFailed  Code = "METADATA_READ_FAILED"
	CodeInternal            Code = "INTERNAL"
)

// StorageError represents a storage-layer error with a machine-readable code,
// a human-readable message, and the HTTP status code the API layer should use.
type StorageError struct {
	// Code is the error discriminant (e.g., "NOT_FOUND", "SIZE_EXCEEDED").
	Code Code
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 413).
	HTTPStatus int
	// Retryable indicates whether the caller may retry the operation.
	Retryable bool
	// cause is the wrapped underlying error, if any.
	cause error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped underlying error, enabling errors.Is/As chains.
func (e *StorageError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a StorageError with the same code. This lets
// callers match against the package sentinels with errors.Is regardless of
// message or cause.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of the error with the message replaced.
func (e *StorageError) WithMessage(format string, args ...any) *StorageError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of the error carrying err as its cause.
func (e *StorageError) Wrap(err error) *StorageError {
	cp := *e
	cp.cause = err
	return &cp
}

// CodeOf extracts the error code from err, or CodeInternal when err is not a
// StorageError.
func CodeOf(err error) Code {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// Pre-defined storage errors for common conditions.
var (
	// ErrValidation is returned when caller input violates a documented
	// constraint (bad id, bad ttl, bad metadata shape). Not retryable.
	ErrValidation = &StorageError{
		Code:       CodeValidation,
		Message:    "request input is invalid",
		HTTPStatus: 400,
	}

	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = &StorageError{
		Code:       CodeNotFound,
		Message:    "file not found",
		HTTPStatus: 404,
	}

	// ErrExpired is returned when a record exists but its TTL has elapsed.
	// Externally reported identically to ErrNotFound.
	ErrExpired = &StorageError{
		Code:       CodeExpired,
		Message:    "file has expired",
		HTTPStatus: 404,
	}

	// ErrSizeExceeded is returned when an upload exceeds the configured
	// maximum file size.
	ErrSizeExceeded = &StorageError{
		Code:       CodeSizeExceeded,
		Message:    "file exceeds the maximum allowed size",
		HTTPStatus: 413,
	}

	// ErrMimeNotAllowed is returned when the detected content type is
	// rejected by the allow-list policy.
	ErrMimeNotAllowed = &StorageError{
		Code:       CodeMimeNotAllowed,
		Message:    "content type is not allowed",
		HTTPStatus: 400,
	}

	// ErrBackendWriteFailed is returned when the object backend fails to
	// store data. Retryable.
	ErrBackendWriteFailed = &StorageError{
		Code:       CodeBackendWriteFailed,
		Message:    "writing to the storage backend failed",
		HTTPStatus: 502,
		Retryable:  true,
	}

	// ErrBackendReadFailed is returned when the object backend fails to
	// read data. Retryable.
	ErrBackendReadFailed = &StorageError{
		Code:       CodeBackendReadFailed,
		Message:    "reading from the storage backend failed",
		HTTPStatus: 502,
		Retryable:  true,
	}

	// ErrBackendMissing is returned when a record exists but its object is
	// absent on the backend (partial-delete race or out-of-band removal).
	ErrBackendMissing = &StorageError{
		Code:       CodeBackendMissing,
		Message:    "stored object is missing on the backend",
		HTTPStatus: 502,
		Retryable:  true,
	}

	// ErrMetadataWriteFailed is returned when the metadata store fails to
	// persist a record. Retryable.
	ErrMetadataWriteFailed = &StorageError{
		Code:       CodeMetadataWriteFailed,
		Message:    "writing to the metadata store failed",
		HTTPStatus: 502,
		Retryable:  true,
	}

	// ErrMetadataReadFailed is returned when the metadata store fails to
	// read a record. Retryable.
	ErrMetadataReadFailed = &StorageError{
		Code:       CodeMetadataReadFailed,
		Message:    "reading from the metadata store failed",
		HTTPStatus: 502,
		Retryable:  true,
	}

	// ErrInternal is returned for uncategorized failures.
	ErrInternal = &StorageError{
		Code:       CodeInternal,
		Message:    "internal error",
		HTTPStatus: 500,
	}
)
