package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

// GetToolingDetail returns the stored detail for key.
// Returns ErrNotFound if none has been saved yet.
func (s *SQLiteStore) GetToolingDetail(ctx context.Context, key progress.ToolingKey) (*types.ToolingDetailRecord, error) {
	return getToolingDetail(ctx, s.db, key)
}

func getToolingDetail(ctx context.Context, q querier, key progress.ToolingKey) (*types.ToolingDetailRecord, error) {
	rec := types.ToolingDetailRecord{ToolingKey: key}
	var (
		actual, planned sql.NullFloat64
		updatedAt       string
	)
	err := q.QueryRowContext(ctx, `
		SELECT design_tooling, machining_1, machining_2, machining_3, assy, approval,
		       material_actual, material_planned, trial_count, overall_progress, updated_at
		FROM tooling_details
		WHERE part_id = ? AND category_id = ? AND process_id = ? AND sub_process_id = ?
	`, key.PartID, key.CategoryID, key.ProcessID, key.SubProcessID).Scan(
		&rec.DesignTooling, &rec.Machining1, &rec.Machining2, &rec.Machining3, &rec.Assy, &rec.Approval,
		&actual, &planned, &rec.TrialCount, &rec.OverallProgress, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tooling detail: %w", err)
	}
	rec.MaterialActual = floatPtr(actual)
	rec.MaterialPlanned = floatPtr(planned)
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = &t
	}
	return &rec, nil
}

// UpsertToolingDetail creates or replaces the detail of a tooling
// sub-process. The stored overallProgress is recomputed from the raw fields
// and the process's trials; the value carried by rec is not trusted.
func (s *SQLiteStore) UpsertToolingDetail(ctx context.Context, rec types.ToolingDetailRecord) (*types.ToolingDetailRecord, error) {
	key := rec.ToolingKey
	var saved *types.ToolingDetailRecord

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkToolingSubProcess(ctx, tx, key); err != nil {
			return err
		}

		trials, err := listTrials(ctx, tx, key.TrialScope())
		if err != nil {
			return err
		}
		rec.OverallProgress = serverOverall(rec, trials)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tooling_details (
				part_id, category_id, process_id, sub_process_id,
				design_tooling, machining_1, machining_2, machining_3, assy, approval,
				material_actual, material_planned, trial_count, overall_progress, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(part_id, category_id, process_id, sub_process_id) DO UPDATE SET
				design_tooling = excluded.design_tooling,
				machining_1 = excluded.machining_1,
				machining_2 = excluded.machining_2,
				machining_3 = excluded.machining_3,
				assy = excluded.assy,
				approval = excluded.approval,
				material_actual = excluded.material_actual,
				material_planned = excluded.material_planned,
				trial_count = excluded.trial_count,
				overall_progress = excluded.overall_progress,
				updated_at = excluded.updated_at
		`, key.PartID, key.CategoryID, key.ProcessID, key.SubProcessID,
			boolInt(rec.DesignTooling), boolInt(rec.Machining1), boolInt(rec.Machining2),
			boolInt(rec.Machining3), boolInt(rec.Assy), boolInt(rec.Approval),
			nullFloat(rec.MaterialActual), nullFloat(rec.MaterialPlanned),
			rec.TrialCount, rec.OverallProgress, nowString())
		if err != nil {
			return fmt.Errorf("upsert tooling detail: %w", err)
		}

		if err := touchPart(ctx, tx, key.PartID); err != nil {
			return err
		}
		if _, err := recomputePart(ctx, tx, key.PartID); err != nil {
			return err
		}

		saved, err = getToolingDetail(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ListTrials returns the trial records of a process, ordered by index.
// Returns ErrNotFound if the process does not belong to the part.
func (s *SQLiteStore) ListTrials(ctx context.Context, scope progress.ToolingKey) ([]progress.Trial, error) {
	scope = scope.TrialScope()
	if err := checkProcess(ctx, s.db, scope); err != nil {
		return nil, err
	}
	return listTrials(ctx, s.db, scope)
}

// UpsertTrials replaces the trial set of a process. Records are renumbered
// from 1 in index order and the tooling details of the process are
// recomputed.
func (s *SQLiteStore) UpsertTrials(ctx context.Context, set types.TrialSet) ([]progress.Trial, error) {
	scope := set.ToolingKey.TrialScope()
	var saved []progress.Trial

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkProcess(ctx, tx, scope); err != nil {
			return err
		}

		d := progress.ToolingDetail{Trials: set.Trials, TrialCount: len(set.Trials)}
		d.NormalizeTrials()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM tooling_trials WHERE part_id = ? AND category_id = ? AND process_id = ?
		`, scope.PartID, scope.CategoryID, scope.ProcessID); err != nil {
			return fmt.Errorf("delete trials: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tooling_trials (part_id, category_id, process_id, trial_index, name, completed, weight)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, t := range d.Trials {
			if _, err := stmt.ExecContext(ctx, scope.PartID, scope.CategoryID, scope.ProcessID,
				t.Index, t.Name, boolInt(t.Completed), t.Weight); err != nil {
				return fmt.Errorf("insert trial %d: %w", t.Index, err)
			}
		}

		if err := touchPart(ctx, tx, scope.PartID); err != nil {
			return err
		}
		if _, err := recomputePart(ctx, tx, scope.PartID); err != nil {
			return err
		}

		saved, err = listTrials(ctx, tx, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// RecomputeProgress re-derives completion flags and overall progress of every
// part and returns how many parts changed.
func (s *SQLiteStore) RecomputeProgress(ctx context.Context) (int64, error) {
	var ids []string
	err := eachRow(ctx, s.db, "SELECT id FROM parts ORDER BY id", nil, func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("query parts: %w", err)
	}

	var changed int64
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			c, err := recomputePart(ctx, tx, id)
			if c {
				changed++
			}
			return err
		})
		if errors.Is(err, ErrNotFound) {
			continue // deleted meanwhile
		}
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// recomputePart brings every stored value derived from the part's leaves up
// to date: tooling overall progress, tooling and process completion, and the
// part's overall progress. It reports whether anything was written.
func recomputePart(ctx context.Context, q querier, partID string) (bool, error) {
	part, err := loadPart(ctx, q, partID)
	if err != nil {
		return false, err
	}
	before := part.Clone()
	changed := false

	for _, key := range part.ToolingKeys() {
		rec, err := getToolingDetail(ctx, q, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		trials, err := listTrials(ctx, q, key.TrialScope())
		if err != nil {
			return false, err
		}

		overall := serverOverall(*rec, trials)
		if overall != rec.OverallProgress {
			if _, err := q.ExecContext(ctx, `
				UPDATE tooling_details SET overall_progress = ?
				WHERE part_id = ? AND category_id = ? AND process_id = ? AND sub_process_id = ?
			`, overall, key.PartID, key.CategoryID, key.ProcessID, key.SubProcessID); err != nil {
				return false, fmt.Errorf("update tooling progress: %w", err)
			}
			changed = true
		}
		rec.OverallProgress = overall
		part.SubProcess(key).Tooling = rec.Detail(trials)
	}

	derived := progress.DeriveCompletion(*part)

	for ci, c := range derived.Categories {
		for pi, proc := range c.Processes {
			old := before.Categories[ci].Processes[pi]
			if proc.Completed != old.Completed {
				if _, err := q.ExecContext(ctx, "UPDATE processes SET completed = ? WHERE id = ?",
					boolInt(proc.Completed), proc.ID); err != nil {
					return false, fmt.Errorf("update process completion: %w", err)
				}
				changed = true
			}
			for si, sub := range proc.SubProcesses {
				if sub.Completed != old.SubProcesses[si].Completed {
					if _, err := q.ExecContext(ctx, "UPDATE sub_processes SET completed = ? WHERE id = ?",
						boolInt(sub.Completed), sub.ID); err != nil {
						return false, fmt.Errorf("update sub-process completion: %w", err)
					}
					changed = true
				}
			}
		}
	}

	estimate := float64(progress.EstimatePercent(derived))
	if before.OverallProgress == nil || *before.OverallProgress != estimate {
		if _, err := q.ExecContext(ctx, "UPDATE parts SET overall_progress = ? WHERE id = ?", estimate, partID); err != nil {
			return false, fmt.Errorf("update part progress: %w", err)
		}
		changed = true
	}
	return changed, nil
}

// serverOverall computes a tooling overall progress from raw fields only.
// The result keeps two decimals so processes average the unrounded value.
func serverOverall(rec types.ToolingDetailRecord, trials []progress.Trial) float64 {
	d := rec.Detail(trials)
	d.Persisted = nil
	return math.Round(d.Exact()*100) / 100
}

func listTrials(ctx context.Context, q querier, scope progress.ToolingKey) ([]progress.Trial, error) {
	trials := []progress.Trial{}
	err := eachRow(ctx, q, `
		SELECT trial_index, name, completed, weight
		FROM tooling_trials
		WHERE part_id = ? AND category_id = ? AND process_id = ?
		ORDER BY trial_index
	`, []any{scope.PartID, scope.CategoryID, scope.ProcessID}, func(rows *sql.Rows) error {
		var t progress.Trial
		if err := rows.Scan(&t.Index, &t.Name, &t.Completed, &t.Weight); err != nil {
			return err
		}
		trials = append(trials, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	return trials, nil
}

// checkProcess verifies the process addressed by key belongs to its part and category.
func checkProcess(ctx context.Context, q querier, key progress.ToolingKey) error {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT p.id FROM processes p
		JOIN categories c ON c.id = p.category_id
		WHERE p.id = ? AND c.id = ? AND c.part_id = ?
	`, key.ProcessID, key.CategoryID, key.PartID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query process: %w", err)
	}
	return nil
}

// checkToolingSubProcess verifies key addresses an existing tooling sub-process.
func checkToolingSubProcess(ctx context.Context, q querier, key progress.ToolingKey) error {
	var kind string
	err := q.QueryRowContext(ctx, `
		SELECT sp.kind FROM sub_processes sp
		JOIN processes p ON p.id = sp.process_id
		JOIN categories c ON c.id = p.category_id
		WHERE sp.id = ? AND p.id = ? AND c.id = ? AND c.part_id = ?
	`, key.SubProcessID, key.ProcessID, key.CategoryID, key.PartID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query sub-process: %w", err)
	}
	if progress.Kind(kind) != progress.KindTooling {
		return ErrNotTooling
	}
	return nil
}
