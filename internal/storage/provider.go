// Package storage defines the blob store used for crawl snapshots. The
// abstraction keeps the service independent of a specific backend (Google
// Cloud Storage, the local filesystem, or memory).
package storage

import (
	"context"
	"io"
)

// BlobStore writes objects and returns a URI naming where they landed.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOpStore discards every object. It backs the "none" storage backend.
type NoOpStore struct{}

// PutObject drains r and returns an empty URI.
func (NoOpStore) PutObject(_ context.Context, _ string, _ string, r io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, r)
	return "", err
}

// SnapshotPath returns the object path for a crawl snapshot.
func SnapshotPath(spaceID, crawlID string) string {
	return "snapshots/" + spaceID + "/" + crawlID + ".json"
}
