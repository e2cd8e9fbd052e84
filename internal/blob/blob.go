// Package blob stores raw file bytes referenced by chat messages.
//
// Message rows persist only file metadata; the bytes themselves live here,
// keyed by "<message_id>:<file_index>". Three backends are provided: an
// in-memory store for tests, a local-disk store, and an S3-compatible store.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when no blob exists under the given key.
var ErrNotFound = errors.New("blob not found")

// PutOptions carries optional metadata stored alongside the blob.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store persists opaque blobs under string keys.
//
// Implementations must be safe for concurrent use. Put overwrites any
// existing blob under the same key.
type Store interface {
	// Put stores the blob and returns a backend-specific reference string.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) (string, error)

	// Get opens the blob for reading. The caller must close the reader.
	// Returns ErrNotFound (possibly wrapped) when the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases backend resources.
	Close() error
}
