package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		instructions TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		agent_override TEXT NOT NULL DEFAULT '',
		complexity TEXT NOT NULL DEFAULT 'normal',
		labels TEXT NOT NULL DEFAULT '',
		epic_id TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 100,
		consumed INTEGER NOT NULL DEFAULT 0,
		review_issues TEXT NOT NULL DEFAULT '[]',
		done_reason TEXT NOT NULL DEFAULT '',
		commit_hash TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		blocked_by_id TEXT NOT NULL,
		PRIMARY KEY (task_id, blocked_by_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (blocked_by_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME,
		exit_code INTEGER NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		cost_usd REAL NOT NULL DEFAULT 0,
		commit_hash TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_runs_ended_at ON runs(ended_at);

	CREATE TABLE IF NOT EXISTS epics (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		mirror_status TEXT NOT NULL DEFAULT 'none',
		mirror_path TEXT NOT NULL DEFAULT ''
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
