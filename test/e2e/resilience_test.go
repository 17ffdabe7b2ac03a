package e2e

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/foundry/pkg/progress"
	"github.com/hyperengineering/foundry/pkg/tracker"
)

const toolingPaths = "/api/v1/progress-tooling"

func openCache(t *testing.T, backend string) tracker.ToolingCache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	if backend == tracker.CacheBackendBadger {
		path = filepath.Join(t.TempDir(), "badger")
	}
	c, err := tracker.OpenCache(backend, path)
	if err != nil {
		t.Fatalf("OpenCache(%s) failed: %v", backend, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestResilience_CacheServesDuringOutage verifies that a tooling detail saved
// earlier is served from the local cache while the tooling endpoints are down.
func TestResilience_CacheServesDuringOutage(t *testing.T) {
	for _, backend := range []string{tracker.CacheBackendSQLite, tracker.CacheBackendBadger} {
		t.Run(backend, func(t *testing.T) {
			ts := startServer(t)
			part := ts.createPart(t, "bracket")
			key := toolingKey(t, part, "Die")
			cache := openCache(t, backend)

			s := openSession(t, ts, part.ID, tracker.Options{Cache: cache})
			mustApply(t, s, progress.SetToolingCheck{Key: key, Row: progress.RowDesignTooling, Checked: true})
			mustApply(t, s, progress.SetToolingCheck{Key: key, Row: progress.RowMachining2, Checked: true})
			mustSave(t, s)
			s.Close()

			ts.failPaths(toolingPaths)
			offline := openSession(t, ts, part.ID, tracker.Options{Cache: cache})

			d := toolingOf(offline, key)
			if d == nil {
				t.Fatal("tooling detail pending despite cache")
			}
			if d.Source != progress.SourceCache || d.Effective() != 35 {
				t.Errorf("detail = %+v, want cached 35", d)
			}

			// The Fixture tooling was never cached and stays pending.
			pp := offline.Rollup()
			fixture := pp.Categories[0].Processes[1].SubProcesses[0]
			if !fixture.Pending {
				t.Errorf("fixture = %+v, want pending", fixture)
			}
		})
	}
}

// TestResilience_NoCacheLeavesPending verifies that without a cache an
// unreachable tooling detail is pending and counts as 0, and that editing it
// starts a fresh local detail whose save fails until the server is back.
func TestResilience_NoCacheLeavesPending(t *testing.T) {
	ts := startServer(t)
	part := ts.createPart(t, "bracket")
	key := toolingKey(t, part, "Die")

	ts.failPaths(toolingPaths)
	s := openSession(t, ts, part.ID, tracker.Options{})

	if toolingOf(s, key) != nil {
		t.Fatal("detail loaded during outage")
	}
	die := s.Rollup().Categories[0].Processes[0]
	if die.Percent != 0 || !die.SubProcesses[1].Pending {
		t.Errorf("die = %+v", die)
	}

	mustApply(t, s, progress.SetToolingCheck{Key: key, Row: progress.RowAssy, Checked: true})
	d := toolingOf(s, key)
	if d == nil || d.Source != progress.SourceLocal || d.Effective() != 10 {
		t.Errorf("detail after edit = %+v, want local 10", d)
	}

	var saveErr *tracker.SaveError
	if err := s.Save(context.Background()); !errors.As(err, &saveErr) {
		t.Errorf("Save = %v, want *SaveError", err)
	}
}

// TestResilience_SaveRetriesAfterOutage verifies that a failed save keeps the
// edits and that retrying once the server is back writes them.
func TestResilience_SaveRetriesAfterOutage(t *testing.T) {
	ts := startServer(t)
	part := ts.createPart(t, "bracket")
	key := toolingKey(t, part, "Die")
	s := openSession(t, ts, part.ID, tracker.Options{})

	ts.failPaths(toolingPaths)
	mustApply(t, s, progress.SetToolingCheck{Key: key, Row: progress.RowDesignTooling, Checked: true})
	mustApply(t, s, progress.SetTrialCount{Key: key, Count: 2})
	mustApply(t, s, progress.ToggleTrial{Key: key, Index: 2})

	err := s.Save(context.Background())
	var saveErr *tracker.SaveError
	if !errors.As(err, &saveErr) || saveErr.Target.Kind != progress.TargetTooling {
		t.Fatalf("Save = %v, want *SaveError on the tooling write", err)
	}
	if s.State() != tracker.Unsynced {
		t.Errorf("state = %v, want unsynced", s.State())
	}
	if d := toolingOf(s, key); !d.Edited || d.Effective() != 20 {
		t.Errorf("detail after failed save = %+v, want local 20", d)
	}

	ts.restore()
	mustSave(t, s)

	rec, err := ts.client(t).GetToolingDetail(context.Background(), key)
	if err != nil || rec == nil {
		t.Fatalf("GetToolingDetail = %+v, %v", rec, err)
	}
	if !rec.DesignTooling || rec.TrialCount != 2 || rec.OverallProgress != 20 {
		t.Errorf("server record = %+v, want design and 1/2 trials = 20", rec)
	}
	trials, err := ts.client(t).GetTrials(context.Background(), key)
	if err != nil || len(trials) != 2 || trials[0].Completed || !trials[1].Completed {
		t.Errorf("trials = %+v, %v", trials, err)
	}
}
