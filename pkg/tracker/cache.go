package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

// Cache backend names accepted by OpenCache.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendBadger = "badger"
)

// CachedDetail is the last tooling detail and trial set received from the
// server for one key.
type CachedDetail struct {
	Record   types.ToolingDetailRecord `json:"record"`
	Trials   []progress.Trial          `json:"trials"`
	CachedAt time.Time                 `json:"cachedAt"`
}

// Detail converts the cached entry into an untouched detail sourced from the cache.
func (c CachedDetail) Detail() *progress.ToolingDetail {
	d := c.Record.Detail(c.Trials)
	d.Source = progress.SourceCache
	return d
}

// ToolingCache is a local read-through cache of tooling details. Get returns
// nil and no error on a miss.
type ToolingCache interface {
	Get(ctx context.Context, key progress.ToolingKey) (*CachedDetail, error)
	Put(ctx context.Context, key progress.ToolingKey, entry CachedDetail) error
	Invalidate(ctx context.Context, key progress.ToolingKey) error
	Close() error
}

// CachePolicy controls how a session combines the cache with the network.
type CachePolicy struct {
	// NetworkFirst fetches from the server even when the cache hits. The
	// cached value primes the tree until the server answers.
	NetworkFirst bool
	// FallbackToCache keeps the cached value when the server cannot be
	// reached. Without it a failed fetch leaves the detail unloaded.
	FallbackToCache bool
	// InvalidateOnWrite drops the cached entry before a save and stores the
	// server's answer after it.
	InvalidateOnWrite bool
}

// DefaultCachePolicy enables every policy flag.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{NetworkFirst: true, FallbackToCache: true, InvalidateOnWrite: true}
}

// OpenCache opens the cache backend by name at path.
func OpenCache(backend, path string) (ToolingCache, error) {
	switch backend {
	case "", CacheBackendSQLite:
		return NewSQLiteCache(path)
	case CacheBackendBadger:
		return NewBadgerCache(path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

// noCache is used when a session has no cache configured.
type noCache struct{}

func (noCache) Get(context.Context, progress.ToolingKey) (*CachedDetail, error) { return nil, nil }
func (noCache) Put(context.Context, progress.ToolingKey, CachedDetail) error     { return nil }
func (noCache) Invalidate(context.Context, progress.ToolingKey) error            { return nil }
func (noCache) Close() error                                                     { return nil }
