// Package storage archives opaque blobs by key.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by Get for an unknown key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is a flat key/blob store.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
