// Package store provides SQLite-backed persistence for tasks, runs, and
// epics, and enforces the dependency-graph invariants at the storage
// boundary.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"agentd/internal/task"

	_ "modernc.org/sqlite"
)

// Store defines the persistence contract consumed by the daemon.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, t *task.Task) error
	FindTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(ctx context.Context) ([]*task.Task, error)
	ReadyTasks(ctx context.Context) ([]*task.Task, error)
	DoneTasks(ctx context.Context) ([]*task.Task, error)
	BlockedTasks(ctx context.Context) ([]*task.Task, error)
	StartTask(ctx context.Context, taskID string) error
	ReopenTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID, reason, commitHash string) error
	SetReviewIssues(ctx context.Context, taskID string, issues []string) error
	AddTaskLabel(ctx context.Context, taskID, label string) error
	AddDependency(ctx context.Context, blockedID, blockerID string) error

	// Run operations
	CreateRun(ctx context.Context, r *task.Run) error
	FindLiveRun(ctx context.Context, taskID string) (*task.Run, error)
	ListLiveRuns(ctx context.Context) ([]*task.Run, error)
	CompletedRuns(ctx context.Context, limit int) ([]*task.Run, error)
	SetRunPID(ctx context.Context, runID string, pid int) error
	SetRunSession(ctx context.Context, runID, sessionID string) error
	FinishRun(ctx context.Context, runID string, exitCode int, output, sessionID, model string, costUSD float64) error

	// Epic operations
	SaveEpic(ctx context.Context, e *task.Epic) error
	FindEpic(ctx context.Context, epicID string) (*task.Epic, error)
	AnyEpicMerging(ctx context.Context) (bool, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite takes pragmas as _pragma=name(value) options,
	// applied to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Allow 2 connections: one for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
