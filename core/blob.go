package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the narrow object storage contract used to deliver generated files.
type BlobStore interface {
	// Put stores (or overwrites) the object at key.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns ErrBlobNotFound when key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// PresignGet returns a time-limited download URL. A non-empty filename forces an attachment disposition.
	PresignGet(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)
}
