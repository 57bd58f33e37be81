// Package storage defines the interface and implementations for the tmpfiles
// object data layer.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned (wrapped) by backends when no object is stored
// under the requested key.
var ErrNotExist = errors.New("object does not exist")

// IsNotExist reports whether err indicates a missing object.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// KeyInfo describes one stored object as seen by ListKeys.
type KeyInfo struct {
	// Key is the backend key of the object.
	Key string
	// Size is the object size in bytes.
	Size int64
	// ModTime is the last modification time of the object. The orphan
	// reaper uses it to apply the grace window.
	ModTime time.Time
}

// Backend defines the interface for reading and writing raw object data.
// Implementations provide the underlying storage mechanism (local filesystem,
// S3-compatible store, in-memory). All methods must be safe for concurrent
// use.
type Backend interface {
	// Put consumes the reader to completion and stores the data under key.
	// The write is atomic: after a successful return the full object is
	// readable at key; after a failed return no object exists at key.
	// Returns the number of bytes stored.
	Put(ctx context.Context, key string, reader io.Reader) (int64, error)

	// Get reads the whole object into memory. Returns an error wrapping
	// ErrNotExist when no object is stored at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// OpenRead opens the object for streaming reads. The caller is
	// responsible for closing the returned ReadCloser. Returns the stream
	// and the object size.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes the object. Idempotent: a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Rename moves an object from oldKey to newKey, replacing any existing
	// object at newKey. Used to promote a tentative upload key to its final
	// key once the content hash is known.
	Rename(ctx context.Context, oldKey, newKey string) error

	// Exists checks whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// ListKeys enumerates every stored object, invoking fn for each.
	// Ordering is unspecified and the listing may lag recent puts.
	// Returning an error from fn stops the walk and propagates the error.
	ListKeys(ctx context.Context, fn func(KeyInfo) error) error

	// HealthCheck verifies that the backend is operational.
	HealthCheck(ctx context.Context) error
}
