package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Store is the key/value backend behind the status tracker.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key matching a glob pattern such as "notification:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}
