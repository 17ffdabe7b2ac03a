package worker

import (
	"context"
	"log/slog"
	"time"
)

// RollupStore defines the store operations needed by the rollup worker.
type RollupStore interface {
	RecomputeProgress(ctx context.Context) (int64, error)
}

// RollupWorker periodically re-derives every part's stored completion flags
// and overall progress from its leaves, repairing any drift.
type RollupWorker struct {
	store    RollupStore
	interval time.Duration
}

// NewRollupWorker creates a worker with the given store and interval.
func NewRollupWorker(store RollupStore, interval time.Duration) *RollupWorker {
	return &RollupWorker{
		store:    store,
		interval: interval,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Does NOT run immediately on start; every write already recomputes its part.
func (w *RollupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "rollup",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "rollup",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.runRollup(ctx)
		}
	}
}

// runRollup executes a single recompute cycle.
func (w *RollupWorker) runRollup(ctx context.Context) {
	start := time.Now()

	slog.Debug("rollup cycle started",
		"component", "worker",
		"action", "rollup_start",
	)

	changed, err := w.store.RecomputeProgress(ctx)
	if err != nil {
		// Check for graceful shutdown
		if ctx.Err() != nil {
			return
		}
		slog.Error("rollup failed",
			"component", "worker",
			"action", "rollup_failed",
			"error", err,
		)
		return
	}

	level := slog.LevelDebug
	if changed > 0 {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, "rollup cycle completed",
		"component", "worker",
		"action", "rollup_complete",
		"changed", changed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
