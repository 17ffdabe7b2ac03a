package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hyperengineering/foundry/internal/api"
	"github.com/hyperengineering/foundry/internal/store"
	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
	"github.com/hyperengineering/foundry/pkg/tracker"
)

const apiKey = "e2e-key"

// testServer runs the real router over a file-backed store. Requests whose
// path starts with the outage prefix have their connection dropped.
type testServer struct {
	URL    string
	store  *store.SQLiteStore
	outage atomic.Value // string path prefix, "" when healthy
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "foundry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	ts := &testServer{store: s}
	ts.outage.Store("")
	router := api.NewRouter(api.NewHandler(s, nil, apiKey, "e2e"), 600)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if prefix := ts.outage.Load().(string); prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			dropConnection(w)
			return
		}
		router.ServeHTTP(w, r)
	}))
	ts.URL = srv.URL

	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return ts
}

// failPaths drops every request under prefix until restore is called.
func (ts *testServer) failPaths(prefix string) { ts.outage.Store(prefix) }

func (ts *testServer) restore() { ts.outage.Store("") }

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func (ts *testServer) client(t *testing.T) *tracker.Client {
	t.Helper()
	c, err := tracker.NewClient(tracker.Config{ServerURL: ts.URL, APIKey: apiKey})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// createPart creates a part with two categories:
//
//	Tooling:   Die [Design, Progress Tooling], Fixture [Progress Tooling]
//	Machining: CNC, Deburr
func (ts *testServer) createPart(t *testing.T, name string) *progress.Part {
	t.Helper()
	part, err := ts.client(t).CreatePart(context.Background(), types.NewPart{
		Name:   name,
		Number: strings.ToUpper(name),
		Categories: []types.NewCategory{
			{
				Name: "Tooling",
				Processes: []types.NewProcess{
					{Name: "Die", SubProcesses: []types.NewSubProcess{{Name: "Design"}, {Name: "Progress Tooling"}}},
					{Name: "Fixture", SubProcesses: []types.NewSubProcess{{Name: "Progress Tooling"}}},
				},
			},
			{
				Name:      "Machining",
				Processes: []types.NewProcess{{Name: "CNC"}, {Name: "Deburr"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("CreatePart(%s) failed: %v", name, err)
	}
	return part
}

// toolingKey finds the tooling sub-process under the named process.
func toolingKey(t *testing.T, part *progress.Part, process string) progress.ToolingKey {
	t.Helper()
	for _, key := range part.ToolingKeys() {
		if part.Process(key.CategoryID, key.ProcessID).Name == process {
			return key
		}
	}
	t.Fatalf("no tooling sub-process under %q", process)
	return progress.ToolingKey{}
}

// processRef returns the (category, process) ids of the named process.
func processRef(t *testing.T, part *progress.Part, process string) (string, string) {
	t.Helper()
	for _, c := range part.Categories {
		for _, p := range c.Processes {
			if p.Name == process {
				return c.ID, p.ID
			}
		}
	}
	t.Fatalf("no process %q", process)
	return "", ""
}

func openSession(t *testing.T, ts *testServer, partID string, opts tracker.Options) *tracker.Session {
	t.Helper()
	s, err := tracker.OpenSession(context.Background(), ts.client(t), partID, opts)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func mustApply(t *testing.T, s *tracker.Session, e progress.Edit) {
	t.Helper()
	changed, err := s.Apply(e)
	if err != nil {
		t.Fatalf("Apply(%T) failed: %v", e, err)
	}
	if !changed {
		t.Fatalf("Apply(%T) changed nothing", e)
	}
}

func mustSave(t *testing.T, s *tracker.Session) {
	t.Helper()
	if err := s.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func toolingOf(s *tracker.Session, key progress.ToolingKey) *progress.ToolingDetail {
	part := s.Part()
	return part.Tooling(key)
}
