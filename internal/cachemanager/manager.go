// Package cachemanager provides a small caching layer over go-cache with a
// generic read-through wrapper. The history store uses it to serve recent
// room transcripts without hitting SQLite on every request.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is the storage contract the read-through wrapper needs.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
