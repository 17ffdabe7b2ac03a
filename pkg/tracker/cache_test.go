package tracker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

func cacheBackends(t *testing.T) map[string]ToolingCache {
	t.Helper()
	sqliteCache, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache", "tooling.db"))
	if err != nil {
		t.Fatalf("NewSQLiteCache failed: %v", err)
	}
	badgerCache, err := NewBadgerCache("")
	if err != nil {
		t.Fatalf("NewBadgerCache failed: %v", err)
	}
	t.Cleanup(func() {
		sqliteCache.Close()
		badgerCache.Close()
	})
	return map[string]ToolingCache{
		CacheBackendSQLite: sqliteCache,
		CacheBackendBadger: badgerCache,
	}
}

func TestToolingCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, c := range cacheBackends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := c.Get(ctx, toolKey)
			if err != nil || got != nil {
				t.Fatalf("Get on empty cache = %+v, %v; want miss", got, err)
			}

			entry := CachedDetail{
				Record: types.ToolingDetailRecord{ToolingKey: toolKey, Machining2: true, MaterialActual: ptr(4), TrialCount: 2, OverallProgress: 25},
				Trials: []progress.Trial{{Index: 1, Name: "T1", Completed: true, Weight: 10}},
			}
			if err := c.Put(ctx, toolKey, entry); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err = c.Get(ctx, toolKey)
			if err != nil || got == nil {
				t.Fatalf("Get after Put = %+v, %v", got, err)
			}
			if !got.Record.Machining2 || *got.Record.MaterialActual != 4 || got.Record.OverallProgress != 25 {
				t.Errorf("record = %+v", got.Record)
			}
			if len(got.Trials) != 1 || !got.Trials[0].Completed {
				t.Errorf("trials = %+v", got.Trials)
			}
			if got.CachedAt.IsZero() {
				t.Error("CachedAt not stamped")
			}

			d := got.Detail()
			if d.Source != progress.SourceCache || d.Effective() != 25 || d.Edited {
				t.Errorf("detail = %+v", d)
			}
		})
	}
}

func TestToolingCache_PutReplaces(t *testing.T) {
	ctx := context.Background()
	for name, c := range cacheBackends(t) {
		t.Run(name, func(t *testing.T) {
			_ = c.Put(ctx, toolKey, CachedDetail{Record: types.ToolingDetailRecord{OverallProgress: 10}})
			_ = c.Put(ctx, toolKey, CachedDetail{Record: types.ToolingDetailRecord{OverallProgress: 70}})

			got, err := c.Get(ctx, toolKey)
			if err != nil || got == nil || got.Record.OverallProgress != 70 {
				t.Errorf("Get = %+v, %v; want latest 70", got, err)
			}
		})
	}
}

func TestToolingCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	other := toolKey
	other.SubProcessID = "sub-other"

	for name, c := range cacheBackends(t) {
		t.Run(name, func(t *testing.T) {
			_ = c.Put(ctx, toolKey, CachedDetail{Record: types.ToolingDetailRecord{OverallProgress: 10}})
			_ = c.Put(ctx, other, CachedDetail{Record: types.ToolingDetailRecord{OverallProgress: 20}})

			if err := c.Invalidate(ctx, toolKey); err != nil {
				t.Fatalf("Invalidate failed: %v", err)
			}
			if got, _ := c.Get(ctx, toolKey); got != nil {
				t.Error("entry survived Invalidate")
			}
			if got, _ := c.Get(ctx, other); got == nil {
				t.Error("Invalidate removed another key")
			}
			if err := c.Invalidate(ctx, toolKey); err != nil {
				t.Errorf("Invalidate of a missing key = %v", err)
			}
		})
	}
}

func TestOpenCache(t *testing.T) {
	c, err := OpenCache(CacheBackendSQLite, ":memory:")
	if err != nil {
		t.Fatalf("OpenCache(sqlite) failed: %v", err)
	}
	c.Close()

	c, err = OpenCache(CacheBackendBadger, filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("OpenCache(badger) failed: %v", err)
	}
	c.Close()

	if _, err := OpenCache("redis", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestSQLiteCache_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tooling.db")

	c, err := NewSQLiteCache(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, toolKey, CachedDetail{Record: types.ToolingDetailRecord{OverallProgress: 33}}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = NewSQLiteCache(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	got, err := c.Get(ctx, toolKey)
	if err != nil || got == nil || got.Record.OverallProgress != 33 {
		t.Errorf("Get after reopen = %+v, %v", got, err)
	}
}
