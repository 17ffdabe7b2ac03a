package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/foundry/internal/snapshot"
)

// SnapshotStore defines the store operations needed by the snapshot worker.
type SnapshotStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// SnapshotGenerationWorker generates periodic database snapshots and uploads
// each one through the configured uploader.
type SnapshotGenerationWorker struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotGenerationWorker creates a worker with the given store and interval.
// A nil uploader keeps snapshots local.
func NewSnapshotGenerationWorker(store SnapshotStore, uploader snapshot.Uploader, interval time.Duration) *SnapshotGenerationWorker {
	if uploader == nil {
		uploader = &snapshot.NoopUploader{}
	}
	return &SnapshotGenerationWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the worker loop. Generates snapshot immediately on start,
// then on each interval. Respects context cancellation for graceful shutdown.
func (w *SnapshotGenerationWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-generation",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.generateSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-generation",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.generateSnapshot(ctx)
		}
	}
}

// generateSnapshot generates and uploads a snapshot, logging any errors.
func (w *SnapshotGenerationWorker) generateSnapshot(ctx context.Context) {
	start := time.Now()
	slog.Info("snapshot generation started",
		"component", "worker",
		"action", "snapshot_start",
	)

	if err := w.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	path, err := w.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("snapshot path unavailable",
			"component", "worker",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if err := w.uploader.Upload(ctx, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"action", "upload_failed",
			"path", path,
			"error", err,
		)
		return
	}

	slog.Info("snapshot generation completed",
		"component", "worker",
		"action", "snapshot_complete",
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
