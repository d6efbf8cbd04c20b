// Package modelstore persists trained chains as opaque blobs, one per chat.
package modelstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("model not found")
	ErrCorrupt  = errors.New("model blob is corrupt")
)

// Backend stores raw blobs by key.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete succeeds when key is already absent.
	Delete(ctx context.Context, key string) error
	Size(ctx context.Context, key string) (int64, error)
}
