package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/internal/validation"
)

// ListParts handles GET /api/v1/parts
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	parts, err := h.store.ListParts(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.PartListResponse{Parts: parts})
}

// GetPart handles GET /api/v1/parts/{id}
func (h *Handler) GetPart(w http.ResponseWriter, r *http.Request) {
	part, err := h.store.GetPart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

// CreatePart handles POST /api/v1/parts
func (h *Handler) CreatePart(w http.ResponseWriter, r *http.Request) {
	var req types.NewPart
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validation.ValidateNewPart(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	part, err := h.store.CreatePart(r.Context(), req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("part created", "part_id", part.ID, "number", part.Number)
	w.Header().Set("Location", "/api/v1/parts/"+part.ID)
	writeJSON(w, http.StatusCreated, part)
}

// DeletePart handles DELETE /api/v1/parts/{id}
func (h *Handler) DeletePart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeletePart(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("part deleted", "part_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateProcess handles PATCH /api/v1/parts/{id}/processes/{processId}.
// A completed flag sent for a process with sub-processes is ignored; its
// completion is derived.
func (h *Handler) UpdateProcess(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validation.ValidateUpdateProcess(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	part, err := h.store.UpdateProcess(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "processId"), req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

// UpdateSubProcess handles PATCH /api/v1/parts/{id}/sub-processes/{subProcessId}.
// Tooling sub-processes are rejected with 409.
func (h *Handler) UpdateSubProcess(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateSubProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	part, err := h.store.UpdateSubProcess(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "subProcessId"), req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}
