package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"agentd/internal/task"
)

const taskColumns = `id, title, instructions, status, agent_override, complexity, labels,
	epic_id, priority, consumed, review_issues, done_reason, commit_hash, created_at, updated_at`

// CreateTask inserts a new task and its dependency edges.
// Rejects dependency lists that reference the task itself or that would
// introduce a cycle into the graph.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task) error {
	for _, dep := range t.BlockedBy {
		if dep == t.ID {
			return fmt.Errorf("task %s cannot depend on itself", t.ID)
		}
	}
	if err := s.checkAcyclic(ctx, t.ID, t.BlockedBy); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	issues, err := json.Marshal(t.ReviewIssues)
	if err != nil {
		return fmt.Errorf("failed to encode review issues: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, instructions, status, agent_override, complexity, labels,
			epic_id, priority, consumed, review_issues, done_reason, commit_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Instructions, statusOrDefault(t.Status), t.AgentOverride,
		complexityOrDefault(t.Complexity), strings.Join(t.Labels, ","),
		t.EpicID, t.Priority, boolToInt(t.Consumed), string(issues), t.DoneReason, t.CommitHash)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	for _, depID := range t.BlockedBy {
		// Check the blocker exists (mirrors the foreign key, but with a
		// clearer error than the driver's).
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, blocked_by_id) VALUES (?, ?)
		`, t.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindTask retrieves a task by ID, including its dependency list.
func (s *SQLiteStore) FindTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// ListTasks returns all tasks ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
}

// ReadyTasks returns open tasks whose dependency lists contain no unresolved
// (non-done) entries, ordered by ascending priority then creation time.
// created_at has one-second resolution, so rowid breaks ties by insertion
// order for tasks created within the same second.
func (s *SQLiteStore) ReadyTasks(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.status = 'open'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks b ON b.id = d.blocked_by_id
			WHERE d.task_id = t.id AND b.status != 'done'
		  )
		ORDER BY t.priority, t.created_at, t.rowid
	`)
}

// DoneTasks returns all tasks with status done, most recently updated first.
func (s *SQLiteStore) DoneTasks(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'done' ORDER BY updated_at DESC`)
}

// BlockedTasks returns open tasks excluded from readiness by an unresolved
// dependency.
func (s *SQLiteStore) BlockedTasks(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.status = 'open'
		  AND EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks b ON b.id = d.blocked_by_id
			WHERE d.task_id = t.id AND b.status != 'done'
		  )
		ORDER BY t.priority, t.created_at, t.rowid
	`)
}

// StartTask transitions a task from open to in_progress and marks it
// consumed. Fails if the task is not currently open.
func (s *SQLiteStore) StartTask(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, `
		UPDATE tasks
		SET status = 'in_progress', consumed = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'open'
	`, "start")
}

// ReopenTask returns a task to open status regardless of its current state.
// Done tasks can be reopened by a failed review.
func (s *SQLiteStore) ReopenTask(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, `
		UPDATE tasks
		SET status = 'open', consumed = 0, done_reason = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, "reopen")
}

// CompleteTask marks a task done with the given reason and optional commit
// hash. Idempotent for already-done tasks.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID, reason, commitHash string) error {
	return s.transition(ctx, taskID, `
		UPDATE tasks
		SET status = 'done', done_reason = ?, commit_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, "complete", reason, commitHash)
}

// SetReviewIssues replaces a task's attached review issue list.
func (s *SQLiteStore) SetReviewIssues(ctx context.Context, taskID string, issues []string) error {
	encoded, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("failed to encode review issues: %w", err)
	}
	return s.transition(ctx, taskID, `
		UPDATE tasks SET review_issues = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, "set review issues", string(encoded))
}

// AddTaskLabel appends a label to a task's label set. Adding a label the
// task already carries is a no-op.
func (s *SQLiteStore) AddTaskLabel(ctx context.Context, taskID, label string) error {
	t, err := s.FindTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.HasLabel(label) {
		return nil
	}
	joined := strings.Join(append(t.Labels, label), ",")
	return s.transition(ctx, taskID, `
		UPDATE tasks SET labels = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, "label", joined)
}

// AddDependency records that blockedID waits on blockerID. Self-references
// and edges that would close a cycle are rejected.
func (s *SQLiteStore) AddDependency(ctx context.Context, blockedID, blockerID string) error {
	if blockedID == blockerID {
		return fmt.Errorf("task %s cannot depend on itself", blockedID)
	}
	if err := s.checkAcyclic(ctx, blockedID, []string{blockerID}); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, blocked_by_id)
		VALUES (?, ?)
		ON CONFLICT(task_id, blocked_by_id) DO NOTHING
	`, blockedID, blockerID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %s -> %s: %w", blockedID, blockerID, err)
	}
	return nil
}

// checkAcyclic verifies that adding edges from taskID to each blocker keeps
// the dependency graph a DAG. Runs a topological sort over the stored edges
// plus the candidates.
func (s *SQLiteStore) checkAcyclic(ctx context.Context, taskID string, blockers []string) error {
	if len(blockers) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, blocked_by_id FROM task_dependencies`)
	if err != nil {
		return fmt.Errorf("failed to query dependency edges: %w", err)
	}
	defer rows.Close()

	var edges []toposort.Edge
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		// Edge (blocker, blocked) means the blocker must resolve first.
		edges = append(edges, toposort.Edge{to, from})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependency edges: %w", err)
	}

	for _, blocker := range blockers {
		edges = append(edges, toposort.Edge{blocker, taskID})
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency would create a cycle involving task %s: %w", taskID, err)
	}
	return nil
}

// transition runs a single-row update and fails if no row matched.
func (s *SQLiteStore) transition(ctx context.Context, taskID, query, verb string, args ...any) error {
	bound := append(args, taskID)
	res, err := s.db.ExecContext(ctx, query, bound...)
	if err != nil {
		return fmt.Errorf("failed to %s task %s: %w", verb, taskID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cannot %s task %s: not found or wrong status", verb, taskID)
	}
	return nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, t := range tasks {
		if err := s.loadDependencies(ctx, t); err != nil {
			return nil, err
		}
	}

	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, t *task.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blocked_by_id FROM task_dependencies WHERE task_id = ? ORDER BY blocked_by_id
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies for task %s: %w", t.ID, err)
	}
	defer rows.Close()

	t.BlockedBy = []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.BlockedBy = append(t.BlockedBy, depID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared task scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	t := &task.Task{}
	var labels, issues string
	var consumed int

	err := row.Scan(&t.ID, &t.Title, &t.Instructions, &t.Status, &t.AgentOverride,
		&t.Complexity, &labels, &t.EpicID, &t.Priority, &consumed, &issues,
		&t.DoneReason, &t.CommitHash, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if labels != "" {
		t.Labels = strings.Split(labels, ",")
	}
	t.Consumed = consumed != 0
	if issues != "" {
		if err := json.Unmarshal([]byte(issues), &t.ReviewIssues); err != nil {
			return nil, fmt.Errorf("failed to decode review issues for task %s: %w", t.ID, err)
		}
	}

	return t, nil
}

func statusOrDefault(s task.Status) task.Status {
	if s == "" {
		return task.StatusOpen
	}
	return s
}

func complexityOrDefault(c task.Complexity) task.Complexity {
	if c == "" {
		return task.ComplexityNormal
	}
	return c
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
