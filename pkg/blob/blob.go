// Package blob is the backing store for cache entries and artifacts.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Info is the listable metadata of a stored blob.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store puts, gets, lists and deletes blobs by slash separated key.
type Store interface {
	// Put stores r under key, replacing any previous blob, and returns the
	// number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Info, error)
}
