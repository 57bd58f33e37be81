// Package uid provides unique identifier generation for tmpfiles.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewFileID generates a UUID v4 string used as the opaque file identifier.
func NewFileID() string {
	return uuid.NewString()
}

// IsFileID reports whether s parses as a UUID. Used for request validation
// before touching the metadata store.
func IsFileID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// New generates a 32-character hex string suitable for use as a unique
// identifier (temp file names, request IDs, etc.) using crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
