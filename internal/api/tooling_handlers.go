package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"

	"github.com/hyperengineering/foundry/internal/store"
	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/internal/validation"
	"github.com/hyperengineering/foundry/pkg/progress"
)

// overallDriftTolerance is how far a client's overall may sit from the
// server's before the mismatch is logged. Clients send a rounded integer.
const overallDriftTolerance = 0.5

func toolingKeyFromQuery(r *http.Request) progress.ToolingKey {
	q := r.URL.Query()
	return progress.ToolingKey{
		PartID:       q.Get("partId"),
		CategoryID:   q.Get("categoryId"),
		ProcessID:    q.Get("processId"),
		SubProcessID: q.Get("subProcessId"),
	}
}

// GetToolingDetail handles GET /api/v1/progress-tooling-detail. It answers
// 204 when the sub-process exists but nothing has been saved for it.
func (h *Handler) GetToolingDetail(w http.ResponseWriter, r *http.Request) {
	key := toolingKeyFromQuery(r)
	if errs := validation.ValidateToolingKey(key, true); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Query contains invalid parameters", errs)
		return
	}

	rec, err := h.store.GetToolingDetail(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutToolingDetail handles PUT /api/v1/progress-tooling-detail. The stored
// overall progress is recomputed from the raw fields and the stored trials;
// the client's value is only compared against it.
func (h *Handler) PutToolingDetail(w http.ResponseWriter, r *http.Request) {
	var rec types.ToolingDetailRecord
	if !decodeJSON(w, r, &rec) {
		return
	}
	if errs := validation.ValidateToolingDetail(rec); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	saved, err := h.store.UpsertToolingDetail(r.Context(), rec)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if math.Abs(saved.OverallProgress-rec.OverallProgress) > overallDriftTolerance {
		slog.Warn("tooling progress mismatch",
			"key", rec.ToolingKey.String(),
			"client_overall", rec.OverallProgress,
			"server_overall", saved.OverallProgress,
			"request_id", GetRequestID(r.Context()),
		)
	}
	writeJSON(w, http.StatusOK, saved)
}

// GetToolingTrials handles GET /api/v1/progress-tooling-trials
func (h *Handler) GetToolingTrials(w http.ResponseWriter, r *http.Request) {
	scope := toolingKeyFromQuery(r).TrialScope()
	if errs := validation.ValidateToolingKey(scope, false); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Query contains invalid parameters", errs)
		return
	}

	trials, err := h.store.ListTrials(r.Context(), scope)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.TrialSet{ToolingKey: scope, Trials: trials})
}

// PutToolingTrials handles PUT /api/v1/progress-tooling-trials. The body
// replaces the whole trial set of the process.
func (h *Handler) PutToolingTrials(w http.ResponseWriter, r *http.Request) {
	var set types.TrialSet
	if !decodeJSON(w, r, &set) {
		return
	}
	set.ToolingKey = set.ToolingKey.TrialScope()
	if errs := validation.ValidateTrialSet(set); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	trials, err := h.store.UpsertTrials(r.Context(), set)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.TrialSet{ToolingKey: set.ToolingKey, Trials: trials})
}
