package cache

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned by Get when key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores encoded values for a bounded time. Get decodes into out, which
// must be a non-nil pointer.
type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	Get(ctx context.Context, key string, out interface{}) error
	GetDefaultTTL() int
	ShutDown(ctx context.Context)
}
