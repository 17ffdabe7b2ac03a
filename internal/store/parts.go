package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
	"github.com/oklog/ulid/v2"
)

// ListParts returns every part with its full tree, oldest first.
func (s *SQLiteStore) ListParts(ctx context.Context) ([]progress.Part, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM parts ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan part id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parts: %w", err)
	}

	parts := make([]progress.Part, 0, len(ids))
	for _, id := range ids {
		p, err := loadPart(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		parts = append(parts, *p)
	}
	return parts, nil
}

// GetPart returns a single part with its full tree.
// Returns ErrNotFound if the part does not exist.
func (s *SQLiteStore) GetPart(ctx context.Context, id string) (*progress.Part, error) {
	return loadPart(ctx, s.db, id)
}

// CreatePart inserts a part with its whole tree. Ids are assigned by the
// store; sub-process kinds left empty are resolved from their names.
func (s *SQLiteStore) CreatePart(ctx context.Context, np types.NewPart) (*progress.Part, error) {
	partID := ulid.Make().String()
	now := nowString()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO parts (id, name, number, customer, image_ref, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, partID, np.Name, np.Number, np.Customer, np.ImageRef, now, now)
		if err != nil {
			return fmt.Errorf("insert part: %w", err)
		}

		for ci, c := range np.Categories {
			catID := ulid.Make().String()
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO categories (id, part_id, name, position) VALUES (?, ?, ?, ?)",
				catID, partID, c.Name, ci); err != nil {
				return fmt.Errorf("insert category: %w", err)
			}

			for pi, p := range c.Processes {
				procID := ulid.Make().String()
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO processes (id, category_id, name, notes, position) VALUES (?, ?, ?, ?, ?)",
					procID, catID, p.Name, p.Notes, pi); err != nil {
					return fmt.Errorf("insert process: %w", err)
				}

				for si, sp := range p.SubProcesses {
					kind := sp.Kind
					if kind == "" {
						kind = progress.KindForName(sp.Name)
					}
					if _, err := tx.ExecContext(ctx,
						"INSERT INTO sub_processes (id, process_id, name, kind, position) VALUES (?, ?, ?, ?, ?)",
						ulid.Make().String(), procID, sp.Name, string(kind), si); err != nil {
						return fmt.Errorf("insert sub-process: %w", err)
					}
				}
			}
		}

		_, err = recomputePart(ctx, tx, partID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.GetPart(ctx, partID)
}

// DeletePart removes a part and, through cascading keys, its whole tree,
// tooling details and trials.
func (s *SQLiteStore) DeletePart(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM parts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete part: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProcess updates the notes of a process and, for a process without
// sub-processes, its completion. The completion of a process with
// sub-processes is derived and a requested value is ignored.
func (s *SQLiteStore) UpdateProcess(ctx context.Context, partID, processID string, req types.UpdateProcessRequest) (*progress.Part, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var children int
		err := tx.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM sub_processes sp WHERE sp.process_id = p.id)
			FROM processes p
			JOIN categories c ON c.id = p.category_id
			WHERE p.id = ? AND c.part_id = ? AND (? = '' OR c.id = ?)
		`, processID, partID, req.CategoryID, req.CategoryID).Scan(&children)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query process: %w", err)
		}

		if req.Completed != nil && children == 0 {
			if _, err := tx.ExecContext(ctx, "UPDATE processes SET completed = ? WHERE id = ?",
				boolInt(*req.Completed), processID); err != nil {
				return fmt.Errorf("update process: %w", err)
			}
		}
		if req.Notes != nil {
			if _, err := tx.ExecContext(ctx, "UPDATE processes SET notes = ? WHERE id = ?",
				*req.Notes, processID); err != nil {
				return fmt.Errorf("update process notes: %w", err)
			}
		}

		if err := touchPart(ctx, tx, partID); err != nil {
			return err
		}
		_, err = recomputePart(ctx, tx, partID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetPart(ctx, partID)
}

// UpdateSubProcess sets the completion of an ordinary sub-process.
// Returns ErrToolingNotToggleable for tooling sub-processes.
func (s *SQLiteStore) UpdateSubProcess(ctx context.Context, partID, subProcessID string, req types.UpdateSubProcessRequest) (*progress.Part, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var kind string
		err := tx.QueryRowContext(ctx, `
			SELECT sp.kind
			FROM sub_processes sp
			JOIN processes p ON p.id = sp.process_id
			JOIN categories c ON c.id = p.category_id
			WHERE sp.id = ? AND c.part_id = ?
			  AND (? = '' OR c.id = ?)
			  AND (? = '' OR p.id = ?)
		`, subProcessID, partID, req.CategoryID, req.CategoryID, req.ProcessID, req.ProcessID).Scan(&kind)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query sub-process: %w", err)
		}
		if progress.Kind(kind) == progress.KindTooling {
			return ErrToolingNotToggleable
		}

		if _, err := tx.ExecContext(ctx, "UPDATE sub_processes SET completed = ? WHERE id = ?",
			boolInt(req.Completed), subProcessID); err != nil {
			return fmt.Errorf("update sub-process: %w", err)
		}

		if err := touchPart(ctx, tx, partID); err != nil {
			return err
		}
		_, err = recomputePart(ctx, tx, partID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetPart(ctx, partID)
}

func touchPart(ctx context.Context, q querier, partID string) error {
	if _, err := q.ExecContext(ctx, "UPDATE parts SET updated_at = ? WHERE id = ?", nowString(), partID); err != nil {
		return fmt.Errorf("touch part: %w", err)
	}
	return nil
}

// loadPart reads the tree of one part. Each query's rows are drained before
// the next one runs so it is safe on a single connection.
func loadPart(ctx context.Context, q querier, id string) (*progress.Part, error) {
	var (
		p       progress.Part
		overall sql.NullFloat64
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, name, number, customer, image_ref, overall_progress FROM parts WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Number, &p.Customer, &p.ImageRef, &overall)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query part: %w", err)
	}
	p.OverallProgress = floatPtr(overall)
	p.Categories = []progress.Category{}

	catIndex := map[string]int{}
	err = eachRow(ctx, q, "SELECT id, name FROM categories WHERE part_id = ? ORDER BY position", []any{id},
		func(rows *sql.Rows) error {
			var c progress.Category
			if err := rows.Scan(&c.ID, &c.Name); err != nil {
				return err
			}
			c.Processes = []progress.Process{}
			catIndex[c.ID] = len(p.Categories)
			p.Categories = append(p.Categories, c)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}

	type procRef struct{ cat, proc int }
	procIndex := map[string]procRef{}
	err = eachRow(ctx, q, `
		SELECT p.id, p.category_id, p.name, p.completed, p.notes, p.evidence
		FROM processes p
		JOIN categories c ON c.id = p.category_id
		WHERE c.part_id = ?
		ORDER BY c.position, p.position
	`, []any{id}, func(rows *sql.Rows) error {
		var (
			proc     progress.Process
			catID    string
			evidence string
		)
		if err := rows.Scan(&proc.ID, &catID, &proc.Name, &proc.Completed, &proc.Notes, &evidence); err != nil {
			return err
		}
		if evidence != "" && evidence != "[]" {
			if err := json.Unmarshal([]byte(evidence), &proc.Evidence); err != nil {
				return fmt.Errorf("decode evidence of process %s: %w", proc.ID, err)
			}
		}
		ci := catIndex[catID]
		procIndex[proc.ID] = procRef{cat: ci, proc: len(p.Categories[ci].Processes)}
		p.Categories[ci].Processes = append(p.Categories[ci].Processes, proc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}

	err = eachRow(ctx, q, `
		SELECT sp.id, sp.process_id, sp.name, sp.kind, sp.completed
		FROM sub_processes sp
		JOIN processes p ON p.id = sp.process_id
		JOIN categories c ON c.id = p.category_id
		WHERE c.part_id = ?
		ORDER BY c.position, p.position, sp.position
	`, []any{id}, func(rows *sql.Rows) error {
		var (
			sub    progress.SubProcess
			procID string
			kind   string
		)
		if err := rows.Scan(&sub.ID, &procID, &sub.Name, &kind, &sub.Completed); err != nil {
			return err
		}
		sub.Kind = progress.Kind(kind)
		ref := procIndex[procID]
		proc := &p.Categories[ref.cat].Processes[ref.proc]
		proc.SubProcesses = append(proc.SubProcesses, sub)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query sub-processes: %w", err)
	}

	return &p, nil
}

// eachRow runs query and calls fn for every row, closing the rows before returning.
func eachRow(ctx context.Context, q querier, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
