package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/foundry/internal/snapshot"
	"github.com/hyperengineering/foundry/internal/store"
	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

// --- Mock Implementations for Testing ---

// mockStore implements store.Store interface for testing
type mockStore struct {
	stats    *types.StoreStats
	statsErr error

	parts      map[string]*progress.Part
	created    []types.NewPart
	deleted    []string
	processReq *types.UpdateProcessRequest
	subErr     error

	detail      *types.ToolingDetailRecord
	detailErr   error
	savedDetail *types.ToolingDetailRecord
	trials      []progress.Trial
	savedTrials *types.TrialSet

	snapshotPath string
	snapshotErr  error
}

func newMockStore() *mockStore {
	return &mockStore{
		stats: &types.StoreStats{},
		parts: map[string]*progress.Part{},
	}
}

func (m *mockStore) ListParts(ctx context.Context) ([]progress.Part, error) {
	var out []progress.Part
	for _, p := range m.parts {
		out = append(out, *p)
	}
	return out, nil
}

func (m *mockStore) GetPart(ctx context.Context, id string) (*progress.Part, error) {
	p, ok := m.parts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (m *mockStore) CreatePart(ctx context.Context, part types.NewPart) (*progress.Part, error) {
	m.created = append(m.created, part)
	p := &progress.Part{ID: "01HNEWPART", Name: part.Name, Number: part.Number, Categories: []progress.Category{}}
	m.parts[p.ID] = p
	return p, nil
}

func (m *mockStore) DeletePart(ctx context.Context, id string) error {
	if _, ok := m.parts[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.parts, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockStore) UpdateProcess(ctx context.Context, partID, processID string, req types.UpdateProcessRequest) (*progress.Part, error) {
	m.processReq = &req
	return m.GetPart(ctx, partID)
}

func (m *mockStore) UpdateSubProcess(ctx context.Context, partID, subProcessID string, req types.UpdateSubProcessRequest) (*progress.Part, error) {
	if m.subErr != nil {
		return nil, m.subErr
	}
	return m.GetPart(ctx, partID)
}

func (m *mockStore) GetToolingDetail(ctx context.Context, key progress.ToolingKey) (*types.ToolingDetailRecord, error) {
	if m.detailErr != nil {
		return nil, m.detailErr
	}
	if m.detail == nil {
		return nil, store.ErrNotFound
	}
	return m.detail, nil
}

func (m *mockStore) UpsertToolingDetail(ctx context.Context, rec types.ToolingDetailRecord) (*types.ToolingDetailRecord, error) {
	if m.detailErr != nil {
		return nil, m.detailErr
	}
	m.savedDetail = &rec
	saved := rec
	saved.OverallProgress = 42
	return &saved, nil
}

func (m *mockStore) ListTrials(ctx context.Context, scope progress.ToolingKey) ([]progress.Trial, error) {
	return m.trials, nil
}

func (m *mockStore) UpsertTrials(ctx context.Context, set types.TrialSet) ([]progress.Trial, error) {
	m.savedTrials = &set
	return set.Trials, nil
}

func (m *mockStore) RecomputeProgress(ctx context.Context) (int64, error) {
	return 0, nil
}

func (m *mockStore) GenerateSnapshot(ctx context.Context) error {
	return nil
}

func (m *mockStore) GetSnapshotPath(ctx context.Context) (string, error) {
	if m.snapshotErr != nil {
		return "", m.snapshotErr
	}
	if m.snapshotPath == "" {
		return "", store.ErrSnapshotNotAvailable
	}
	return m.snapshotPath, nil
}

func (m *mockStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	return m.stats, m.statsErr
}

func (m *mockStore) Close() error {
	return nil
}

type mockUploader struct {
	url string
	err error
}

func (m *mockUploader) Upload(ctx context.Context, filePath string) error {
	return nil
}

func (m *mockUploader) PresignedURL(ctx context.Context) (string, time.Time, error) {
	return m.url, time.Now().Add(time.Minute), m.err
}

func newTestRouter(s store.Store, u snapshot.Uploader) http.Handler {
	return NewRouter(NewHandler(s, u, testAPIKey, "1.2.3"), 60)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Health ---

func TestHealth_ReturnsHealthyStatus(t *testing.T) {
	s := newMockStore()
	s.stats = &types.StoreStats{PartCount: 7}
	router := newTestRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "1.2.3" || resp.PartCount != 7 {
		t.Errorf("response = %+v", resp)
	}
	if resp.LastSnapshot != nil {
		t.Errorf("LastSnapshot = %v, want nil", resp.LastSnapshot)
	}
}

func TestHealth_StoreErrorReturns500(t *testing.T) {
	s := newMockStore()
	s.statsErr = errors.New("database is locked")
	router := newTestRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "locked") {
		t.Error("response leaks internal error")
	}
}

// --- Parts ---

func TestParts_RequireAuth(t *testing.T) {
	router := newTestRouter(newMockStore(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/parts", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestListParts_EmptyIsArray(t *testing.T) {
	w := do(t, newTestRouter(newMockStore(), nil), http.MethodGet, "/api/v1/parts", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"parts":[]}` {
		t.Errorf("body = %s, want {\"parts\":[]}", got)
	}
}

func TestCreatePart_Created(t *testing.T) {
	s := newMockStore()
	body := `{"name":"Bracket","number":"BR-1","categories":[{"name":"Tooling","processes":[{"name":"Die","subProcesses":[{"name":"Progress Tooling"}]}]}]}`

	w := do(t, newTestRouter(s, nil), http.MethodPost, "/api/v1/parts", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/parts/01HNEWPART" {
		t.Errorf("Location = %q", loc)
	}
	if len(s.created) != 1 || s.created[0].Categories[0].Processes[0].SubProcesses[0].Name != "Progress Tooling" {
		t.Errorf("store received %+v", s.created)
	}
}

func TestCreatePart_ValidationErrors(t *testing.T) {
	s := newMockStore()
	body := `{"name":"","categories":[{"name":"Tooling","processes":[{"name":"Die","subProcesses":[{"name":"x","kind":"weird"}]}]}]}`

	w := do(t, newTestRouter(s, nil), http.MethodPost, "/api/v1/parts", body)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	fields := map[string]bool{}
	for _, e := range p.Errors {
		fields[e.Field] = true
	}
	if !fields["name"] || !fields["categories[0].processes[0].subProcesses[0].kind"] {
		t.Errorf("errors = %+v", p.Errors)
	}
	if len(s.created) != 0 {
		t.Error("invalid part reached the store")
	}
}

func TestCreatePart_InvalidJSON(t *testing.T) {
	w := do(t, newTestRouter(newMockStore(), nil), http.MethodPost, "/api/v1/parts", `{"name":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetPart_NotFound(t *testing.T) {
	w := do(t, newTestRouter(newMockStore(), nil), http.MethodGet, "/api/v1/parts/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetPart_ReturnsBackendProgress(t *testing.T) {
	s := newMockStore()
	overall := 37.0
	s.parts["p1"] = &progress.Part{ID: "p1", Name: "Bracket", OverallProgress: &overall}

	w := do(t, newTestRouter(s, nil), http.MethodGet, "/api/v1/parts/p1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got progress.Part
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.OverallProgress == nil || *got.OverallProgress != 37 {
		t.Errorf("overallProgress = %v, want 37", got.OverallProgress)
	}
}

func TestDeletePart_NoContent(t *testing.T) {
	s := newMockStore()
	s.parts["p1"] = &progress.Part{ID: "p1"}

	w := do(t, newTestRouter(s, nil), http.MethodDelete, "/api/v1/parts/p1", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(s.deleted) != 1 || s.deleted[0] != "p1" {
		t.Errorf("deleted = %v", s.deleted)
	}
}

func TestDeletePart_RateLimited(t *testing.T) {
	s := newMockStore()
	router := NewRouter(NewHandler(s, nil, testAPIKey, "test"), 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, router, http.MethodDelete, "/api/v1/parts/missing", "").Code)
	}

	if codes[0] != http.StatusNotFound || codes[1] != http.StatusNotFound {
		t.Errorf("first deletes = %v, want 404s within burst", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third delete = %d, want %d", codes[2], http.StatusTooManyRequests)
	}
}

func TestUpdateProcess_RequiresAField(t *testing.T) {
	s := newMockStore()
	s.parts["p1"] = &progress.Part{ID: "p1"}

	w := do(t, newTestRouter(s, nil), http.MethodPatch, "/api/v1/parts/p1/processes/proc", `{"categoryId":"c"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	if s.processReq != nil {
		t.Error("empty update reached the store")
	}
}

func TestUpdateProcess_PassesFields(t *testing.T) {
	s := newMockStore()
	s.parts["p1"] = &progress.Part{ID: "p1"}

	w := do(t, newTestRouter(s, nil), http.MethodPatch, "/api/v1/parts/p1/processes/proc", `{"categoryId":"c","completed":true,"notes":"checked"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if s.processReq == nil || s.processReq.Completed == nil || !*s.processReq.Completed || *s.processReq.Notes != "checked" {
		t.Errorf("store received %+v", s.processReq)
	}
}

func TestUpdateSubProcess_ToolingConflict(t *testing.T) {
	s := newMockStore()
	s.parts["p1"] = &progress.Part{ID: "p1"}
	s.subErr = store.ErrToolingNotToggleable

	w := do(t, newTestRouter(s, nil), http.MethodPatch, "/api/v1/parts/p1/sub-processes/s1", `{"completed":true}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// --- Tooling detail ---

const detailQuery = "/api/v1/progress-tooling-detail?partId=p&categoryId=c&processId=r&subProcessId=s"

func TestGetToolingDetail_NoContentWhenNeverSaved(t *testing.T) {
	w := do(t, newTestRouter(newMockStore(), nil), http.MethodGet, detailQuery, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestGetToolingDetail_Found(t *testing.T) {
	s := newMockStore()
	s.detail = &types.ToolingDetailRecord{
		ToolingKey:      progress.ToolingKey{PartID: "p", CategoryID: "c", ProcessID: "r", SubProcessID: "s"},
		Assy:            true,
		OverallProgress: 15,
	}

	w := do(t, newTestRouter(s, nil), http.MethodGet, detailQuery, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got types.ToolingDetailRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Assy || got.OverallProgress != 15 || got.SubProcessID != "s" {
		t.Errorf("detail = %+v", got)
	}
}

func TestGetToolingDetail_MissingKey(t *testing.T) {
	w := do(t, newTestRouter(newMockStore(), nil), http.MethodGet, "/api/v1/progress-tooling-detail?partId=p", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestGetToolingDetail_NotToolingConflict(t *testing.T) {
	s := newMockStore()
	s.detailErr = store.ErrNotTooling

	w := do(t, newTestRouter(s, nil), http.MethodGet, detailQuery, "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestPutToolingDetail_ReturnsServerValue(t *testing.T) {
	s := newMockStore()
	body := `{"partId":"p","categoryId":"c","processId":"r","subProcessId":"s","designTooling":true,"materialActual":5,"materialPlanned":10,"trialCount":2,"overallProgress":15}`

	w := do(t, newTestRouter(s, nil), http.MethodPut, "/api/v1/progress-tooling-detail", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var got types.ToolingDetailRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.OverallProgress != 42 {
		t.Errorf("overallProgress = %v, want server value 42", got.OverallProgress)
	}
	if s.savedDetail == nil || !s.savedDetail.DesignTooling || *s.savedDetail.MaterialActual != 5 {
		t.Errorf("store received %+v", s.savedDetail)
	}
}

func TestPutToolingDetail_RejectsTrialCountOverLimit(t *testing.T) {
	s := newMockStore()
	body := `{"partId":"p","categoryId":"c","processId":"r","subProcessId":"s","trialCount":500}`

	w := do(t, newTestRouter(s, nil), http.MethodPut, "/api/v1/progress-tooling-detail", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	if s.savedDetail != nil {
		t.Error("invalid detail reached the store")
	}
}

// --- Trials ---

func TestGetToolingTrials_EmptyIsArray(t *testing.T) {
	w := do(t, newTestRouter(newMockStore(), nil), http.MethodGet, "/api/v1/progress-tooling-trials?partId=p&categoryId=c&processId=r&subProcessId=ignored", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"trials":[]`) {
		t.Errorf("body = %s, want empty trials array", body)
	}
	if strings.Contains(body, "ignored") {
		t.Errorf("trial scope kept the sub-process id: %s", body)
	}
}

func TestPutToolingTrials_ReplacesSet(t *testing.T) {
	s := newMockStore()
	body := `{"partId":"p","categoryId":"c","processId":"r","subProcessId":"s","trials":[{"index":1,"name":"T1","completed":true},{"index":2,"name":"T2"}]}`

	w := do(t, newTestRouter(s, nil), http.MethodPut, "/api/v1/progress-tooling-trials", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if s.savedTrials == nil || len(s.savedTrials.Trials) != 2 {
		t.Fatalf("store received %+v", s.savedTrials)
	}
	if s.savedTrials.SubProcessID != "" {
		t.Error("trial set kept the sub-process id")
	}
}

func TestPutToolingTrials_DuplicateIndex(t *testing.T) {
	s := newMockStore()
	body := `{"partId":"p","categoryId":"c","processId":"r","trials":[{"index":1},{"index":1}]}`

	w := do(t, newTestRouter(s, nil), http.MethodPut, "/api/v1/progress-tooling-trials", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

// --- Snapshot ---

func TestSnapshot_NotAvailable(t *testing.T) {
	w := do(t, newTestRouter(newMockStore(), nil), http.MethodGet, "/api/v1/snapshot", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestSnapshot_ServesLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current.db")
	if err := os.WriteFile(path, []byte("SQLite format 3"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newMockStore()
	s.snapshotPath = path

	w := do(t, newTestRouter(s, nil), http.MethodGet, "/api/v1/snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "SQLite format 3" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestSnapshot_RedirectsToObjectStorage(t *testing.T) {
	s := newMockStore()
	s.snapshotPath = "/unused"
	u := &mockUploader{url: "https://s3.example.com/foundry/snapshot/current.db?sig=abc"}

	w := do(t, newTestRouter(s, u), http.MethodGet, "/api/v1/snapshot", "")
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if loc := w.Header().Get("Location"); loc != u.url {
		t.Errorf("Location = %q, want %q", loc, u.url)
	}
}
