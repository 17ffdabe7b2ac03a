package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hyperengineering/foundry/pkg/progress"
)

const badgerKeyPrefix = "tooling/"

// BadgerCache stores cached tooling details in a Badger key-value store.
type BadgerCache struct {
	db *badger.DB
}

// NewBadgerCache opens or creates a Badger directory at dir. An empty dir
// keeps the cache in memory.
func NewBadgerCache(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func badgerKey(key progress.ToolingKey) []byte {
	return []byte(badgerKeyPrefix + key.String())
}

// Get returns the cached entry for key, or nil on a miss.
func (c *BadgerCache) Get(ctx context.Context, key progress.ToolingKey) (*CachedDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *CachedDetail
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e CachedDetail
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode cache entry %s: %w", key, err)
			}
			entry = &e
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read badger cache: %w", err)
	}
	return entry, nil
}

// Put stores entry under key, replacing any previous entry.
func (c *BadgerCache) Put(ctx context.Context, key progress.ToolingKey, entry CachedDetail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(key), payload)
	}); err != nil {
		return fmt.Errorf("write badger cache: %w", err)
	}
	return nil
}

// Invalidate removes the entry for key. Missing keys are not an error.
func (c *BadgerCache) Invalidate(ctx context.Context, key progress.ToolingKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(key))
	}); err != nil {
		return fmt.Errorf("invalidate badger cache: %w", err)
	}
	return nil
}

// Close closes the Badger store.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
