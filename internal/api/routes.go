package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. deletesPerMinute
// bounds part deletions per client.
func NewRouter(h *Handler, deletesPerMinute int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	if deletesPerMinute < 1 {
		deletesPerMinute = 1
	}
	deleteRateLimiter := NewDeleteRateLimiter(deletesPerMinute, time.Minute/time.Duration(deletesPerMinute))

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/parts", h.ListParts)
			r.Post("/parts", h.CreatePart)
			r.Get("/parts/{id}", h.GetPart)
			r.With(deleteRateLimiter.Middleware).Delete("/parts/{id}", h.DeletePart)
			r.Patch("/parts/{id}/processes/{processId}", h.UpdateProcess)
			r.Patch("/parts/{id}/sub-processes/{subProcessId}", h.UpdateSubProcess)

			r.Get("/progress-tooling-detail", h.GetToolingDetail)
			r.Put("/progress-tooling-detail", h.PutToolingDetail)
			r.Get("/progress-tooling-trials", h.GetToolingTrials)
			r.Put("/progress-tooling-trials", h.PutToolingTrials)

			r.Get("/snapshot", h.Snapshot)
		})
	})

	return r
}
