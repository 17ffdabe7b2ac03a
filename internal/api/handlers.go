package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/foundry/internal/snapshot"
	"github.com/hyperengineering/foundry/internal/store"
	"github.com/hyperengineering/foundry/internal/types"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Handler implements the API handlers
type Handler struct {
	store    store.Store
	uploader snapshot.Uploader
	apiKey   string
	version  string
}

// NewHandler creates a new Handler. A nil uploader serves snapshots from
// local disk only.
func NewHandler(s store.Store, u snapshot.Uploader, apiKey, version string) *Handler {
	if u == nil {
		u = &snapshot.NoopUploader{}
	}
	return &Handler{
		store:    s,
		uploader: u,
		apiKey:   apiKey,
		version:  version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.Error("health check failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		PartCount:    stats.PartCount,
		LastSnapshot: stats.LastSnapshot,
	})
}

// Snapshot handles GET /api/v1/snapshot. Once a snapshot exists it redirects
// to object storage when configured and otherwise streams the local file.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	path, err := h.store.GetSnapshotPath(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	url, _, err := h.uploader.PresignedURL(r.Context())
	if err == nil {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}
	if !errors.Is(err, snapshot.ErrNotConfigured) {
		slog.Warn("pre-signed snapshot URL unavailable, serving local file", "error", err)
	}

	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="foundry-snapshot.db"`)
	http.ServeFile(w, r, path)
}

// decodeJSON reads a bounded JSON body into v. It writes a 400 problem and
// returns false when the body is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			WriteProblem(w, r, http.StatusBadRequest, "Request body is empty")
			return false
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
