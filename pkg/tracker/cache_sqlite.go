package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/foundry/pkg/progress"
)

// SQLiteCache stores cached tooling details in a local SQLite file.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens or creates the cache database at path. ":memory:"
// gives a throwaway cache.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	c := &SQLiteCache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tooling_cache (
		cache_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		cached_at TEXT NOT NULL
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	return nil
}

// Get returns the cached entry for key, or nil on a miss.
func (c *SQLiteCache) Get(ctx context.Context, key progress.ToolingKey) (*CachedDetail, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, "SELECT payload FROM tooling_cache WHERE cache_key = ?", key.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	var entry CachedDetail
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return &entry, nil
}

// Put stores entry under key, replacing any previous entry.
func (c *SQLiteCache) Put(ctx context.Context, key progress.ToolingKey, entry CachedDetail) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO tooling_cache (cache_key, payload, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at
	`, key.String(), string(payload), entry.CachedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

// Invalidate removes the entry for key. Missing keys are not an error.
func (c *SQLiteCache) Invalidate(ctx context.Context, key progress.ToolingKey) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM tooling_cache WHERE cache_key = ?", key.String()); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
