package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/foundry/pkg/progress"
)

const testAPIKey = "test-secret-key-12345"

// mockHandler is a simple handler that records if it was called
func mockHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}), &called
}

// captureLogs routes the default logger into a JSON buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

// logEntries decodes every JSON log line in buf.
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		out = append(out, entry)
	}
	return out
}

func findLog(entries []map[string]any, msg string) map[string]any {
	for _, e := range entries {
		if e["msg"] == msg {
			return e
		}
	}
	return nil
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + testAPIKey, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong-key", http.StatusUnauthorized},
		{"lowercase scheme", "bearer " + testAPIKey, http.StatusUnauthorized},
		{"basic scheme", "Basic " + testAPIKey, http.StatusUnauthorized},
		{"whitespace token", "Bearer    ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, called := mockHandler()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/progress-tooling-detail", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			AuthMiddleware(testAPIKey)(handler).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if *called != (tt.want == http.StatusOK) {
				t.Errorf("handler called = %v", *called)
			}
			if tt.want == http.StatusOK {
				return
			}
			var p Problem
			if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
				t.Fatalf("body is not a problem: %v", err)
			}
			if p.Instance != "/api/v1/progress-tooling-detail" {
				t.Errorf("instance = %q", p.Instance)
			}
			if strings.Contains(w.Body.String(), testAPIKey) {
				t.Error("response leaks the API key")
			}
		})
	}
}

func TestRouter_ProtectedRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(newMockStore(), nil)
	const q = "?partId=p&categoryId=c&processId=r&subProcessId=s"
	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/parts"},
		{http.MethodPost, "/api/v1/parts"},
		{http.MethodGet, "/api/v1/parts/p"},
		{http.MethodDelete, "/api/v1/parts/p"},
		{http.MethodPatch, "/api/v1/parts/p/processes/r"},
		{http.MethodPatch, "/api/v1/parts/p/sub-processes/s"},
		{http.MethodGet, "/api/v1/progress-tooling-detail" + q},
		{http.MethodPut, "/api/v1/progress-tooling-detail"},
		{http.MethodGet, "/api/v1/progress-tooling-trials" + q},
		{http.MethodPut, "/api/v1/progress-tooling-trials"},
		{http.MethodGet, "/api/v1/snapshot"},
	}
	for _, rt := range routes {
		req := httptest.NewRequest(rt.method, rt.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without key = %d, want %d", rt.method, rt.path, w.Code, http.StatusUnauthorized)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health without key = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_UnauthenticatedDeletesSpareTheBucket(t *testing.T) {
	s := newMockStore()
	s.parts["p1"] = &progress.Part{ID: "p1"}
	router := NewRouter(NewHandler(s, nil, testAPIKey, "test"), 1)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/parts/p1", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("unauthenticated delete %d = %d, want %d", i+1, w.Code, http.StatusUnauthorized)
		}
	}

	if w := do(t, router, http.MethodDelete, "/api/v1/parts/p1", ""); w.Code != http.StatusNoContent {
		t.Errorf("authenticated delete = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := do(t, router, http.MethodDelete, "/api/v1/parts/p1", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second authenticated delete = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusCreated)
	}
}

func TestResponseWriter_BodyImpliesOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.Write([]byte("{}"))
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusOK {
		t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusOK)
	}
}

func TestLoggingMiddleware_LevelAndFields(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusNoContent, "INFO"},
		{http.StatusConflict, "WARN"},
		{http.StatusServiceUnavailable, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			buf := captureLogs(t)
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			h := chiMiddleware.RequestID(LoggingMiddleware(inner))

			req := httptest.NewRequest(http.MethodPut, "/api/v1/progress-tooling-trials", nil)
			req.Header.Set("Authorization", "Bearer "+testAPIKey)
			h.ServeHTTP(httptest.NewRecorder(), req)

			entry := findLog(logEntries(t, buf), "request completed")
			if entry == nil {
				t.Fatalf("no request log in %s", buf.String())
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["status"] != float64(tt.status) || entry["path"] != "/api/v1/progress-tooling-trials" {
				t.Errorf("entry = %v", entry)
			}
			if id, _ := entry["request_id"].(string); id == "" {
				t.Error("request_id missing")
			}
			if strings.Contains(buf.String(), testAPIKey) {
				t.Error("log leaks the API key")
			}
		})
	}
}

func TestRecoveryMiddleware_Panic(t *testing.T) {
	buf := captureLogs(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("trial index out of range")
	})

	w := httptest.NewRecorder()
	RecoveryMiddleware(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/parts/p", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "trial index") {
		t.Error("response leaks the panic value")
	}
	if findLog(logEntries(t, buf), "panic recovered") == nil {
		t.Error("panic not logged")
	}
}

func TestPutToolingDetail_LogsProgressMismatch(t *testing.T) {
	const base = `{"partId":"p","categoryId":"c","processId":"r","subProcessId":"s","designTooling":true,`
	tests := []struct {
		name   string
		client string
		warn   bool
	}{
		{"far from server", "15", true},
		{"within rounding", "42.4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			router := newTestRouter(newMockStore(), nil)

			w := do(t, router, http.MethodPut, "/api/v1/progress-tooling-detail", base+`"overallProgress":`+tt.client+`}`)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}

			entry := findLog(logEntries(t, buf), "tooling progress mismatch")
			if (entry != nil) != tt.warn {
				t.Fatalf("mismatch logged = %v, want %v", entry != nil, tt.warn)
			}
			if entry == nil {
				return
			}
			if entry["level"] != "WARN" || entry["server_overall"] != float64(42) || entry["key"] == "" {
				t.Errorf("entry = %v", entry)
			}
		})
	}
}
