package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const snapshotFile = "current.db"

// GenerateSnapshot writes a consistent copy of the database with VACUUM INTO
// and atomically replaces the previous snapshot.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	if err := os.MkdirAll(s.snapshotDir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	final := filepath.Join(s.snapshotDir, snapshotFile)
	tmp := final + ".tmp"

	// VACUUM INTO refuses to overwrite an existing file
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	return s.setMeta(ctx, s.db, metaLastSnapshot, time.Now().UTC().Format(time.RFC3339))
}

// GetSnapshotPath returns the path of the latest snapshot.
// Returns ErrSnapshotNotAvailable if no snapshot has been generated.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path := filepath.Join(s.snapshotDir, snapshotFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrSnapshotNotAvailable
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return path, nil
}
