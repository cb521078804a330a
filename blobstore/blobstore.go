// Package blobstore abstracts package PDF storage. Production uses MinIO;
// tests and single-node deployments use the filesystem store.
package blobstore

import (
	"context"
	"io"
)

// Store reads and writes immutable blobs by key. Keys are slash-separated
// paths; callers own the naming scheme.
type Store interface {
	// Put stores the blob under key, replacing any existing blob. size may
	// be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// GetStream opens the blob for reading. The caller closes it.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
