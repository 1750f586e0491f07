// Package cache stores serialized single-user lookups. The in-process
// backend suits one API instance; Redis is shared by all of them.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("cache: key not found")

type Cache interface {
	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// UserKey is the cache key for one user lookup.
func UserKey(id string) string {
	return "users:" + id
}
