package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentd/internal/task"
)

const runColumns = `id, task_id, agent, model, started_at, ended_at, exit_code,
	output, session_id, cost_usd, commit_hash, pid`

// CreateRun inserts a new run record. At most one live run (null ended_at)
// may exist per task; a second insert for a task with a live run fails.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *task.Run) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var live int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND ended_at IS NULL
	`, r.TaskID).Scan(&live)
	if err != nil {
		return fmt.Errorf("failed to count live runs: %w", err)
	}
	if live > 0 {
		return fmt.Errorf("task %s already has a live run", r.TaskID)
	}

	started := r.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, agent, model, started_at, pid)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.Agent, r.Model, started, r.PID)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindLiveRun returns the task's run with no end time, if any.
func (s *SQLiteStore) FindLiveRun(ctx context.Context, taskID string) (*task.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE task_id = ? AND ended_at IS NULL
	`, taskID)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no live run for task: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query live run: %w", err)
	}
	return r, nil
}

// ListLiveRuns returns every run whose subprocess has not ended.
func (s *SQLiteStore) ListLiveRuns(ctx context.Context) ([]*task.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs WHERE ended_at IS NULL ORDER BY started_at
	`)
}

// CompletedRuns returns the most recently ended runs, newest first.
func (s *SQLiteStore) CompletedRuns(ctx context.Context, limit int) ([]*task.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs WHERE ended_at IS NOT NULL
		ORDER BY ended_at DESC LIMIT ?
	`, limit)
}

// SetRunPID records the OS pid of a spawned subprocess on its run.
func (s *SQLiteStore) SetRunPID(ctx context.Context, runID string, pid int) error {
	return s.updateRun(ctx, runID, `UPDATE runs SET pid = ? WHERE id = ?`, pid)
}

// SetRunSession updates the agent-reported session id mid-flight.
func (s *SQLiteStore) SetRunSession(ctx context.Context, runID, sessionID string) error {
	return s.updateRun(ctx, runID, `UPDATE runs SET session_id = ? WHERE id = ?`, sessionID)
}

// FinishRun ends a run, projecting the completion result into its fields.
// The pid is cleared; a finished run no longer owns a process.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, exitCode int, output, sessionID, model string, costUSD float64) error {
	return s.updateRun(ctx, runID, `
		UPDATE runs
		SET ended_at = CURRENT_TIMESTAMP, exit_code = ?, output = ?,
			session_id = CASE WHEN ? != '' THEN ? ELSE session_id END,
			model = CASE WHEN ? != '' THEN ? ELSE model END,
			cost_usd = ?, pid = 0
		WHERE id = ? AND ended_at IS NULL
	`, exitCode, output, sessionID, sessionID, model, model, costUSD)
}

func (s *SQLiteStore) updateRun(ctx context.Context, runID, query string, args ...any) error {
	bound := append(args, runID)
	res, err := s.db.ExecContext(ctx, query, bound...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found or already ended: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*task.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*task.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (*task.Run, error) {
	r := &task.Run{}
	var ended sql.NullTime

	err := row.Scan(&r.ID, &r.TaskID, &r.Agent, &r.Model, &r.StartedAt, &ended,
		&r.ExitCode, &r.Output, &r.SessionID, &r.CostUSD, &r.Commit, &r.PID)
	if err != nil {
		return nil, err
	}

	if ended.Valid {
		r.EndedAt = ended.Time
	}
	return r, nil
}
