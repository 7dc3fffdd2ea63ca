package store

import (
	"context"
	"database/sql"
	"fmt"

	"agentd/internal/task"
)

// SaveEpic upserts an epic record. The mirror lifecycle itself is owned by an
// external service; the daemon only persists and reads the routing state.
func (s *SQLiteStore) SaveEpic(ctx context.Context, e *task.Epic) error {
	status := e.MirrorStatus
	if status == "" {
		status = task.MirrorNone
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epics (id, title, mirror_status, mirror_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			mirror_status = excluded.mirror_status,
			mirror_path = excluded.mirror_path
	`, e.ID, e.Title, status, e.MirrorPath)
	if err != nil {
		return fmt.Errorf("failed to save epic: %w", err)
	}
	return nil
}

// FindEpic retrieves an epic by ID.
func (s *SQLiteStore) FindEpic(ctx context.Context, epicID string) (*task.Epic, error) {
	e := &task.Epic{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, mirror_status, mirror_path FROM epics WHERE id = ?
	`, epicID).Scan(&e.ID, &e.Title, &e.MirrorStatus, &e.MirrorPath)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("epic not found: %s", epicID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query epic: %w", err)
	}
	return e, nil
}

// AnyEpicMerging reports whether any epic is currently mid-merge. Standalone
// tasks are refused a spawn while this holds, to avoid racing the merge.
func (s *SQLiteStore) AnyEpicMerging(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM epics WHERE mirror_status = ?
	`, task.MirrorMerging).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count merging epics: %w", err)
	}
	return count > 0, nil
}
