// Package storage defines the Backend interface the downloader writes the
// local mirror through, with local filesystem and S3 implementations.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Backend is the interface for mirror storage backends.
// Keys are slash-separated paths relative to the mirror root.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject writes content to the given key, creating parents as needed.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// PutBytes writes data under key.
func PutBytes(ctx context.Context, b Backend, key string, data []byte) error {
	return b.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// ReadAll reads the whole object at key.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, error) {
	rc, _, err := b.GetObject(ctx, key, 0, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
