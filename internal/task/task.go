// Package task defines the core domain types shared by the store, the
// supervisor, and the daemon: tasks, runs, epics, and subprocess completion
// results.
package task

import (
	"time"
)

// Status represents the stored state of a task.
//
// "Blocked" is deliberately absent: a task with an unresolved dependency is
// excluded from readiness queries but its stored status stays Open.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Complexity tiers route tasks to agents via configuration bindings.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexityNormal  Complexity = "normal"
	ComplexityComplex Complexity = "complex"
)

// Task is a unit of work handed to an agent subprocess.
type Task struct {
	ID            string
	Title         string
	Instructions  string
	Status        Status
	AgentOverride string     // Explicit agent name; bypasses complexity routing
	Complexity    Complexity
	Labels        []string
	BlockedBy     []string // Ordered dependency task IDs
	EpicID        string   // Empty for standalone tasks
	Priority      int      // Lower value spawns first
	Consumed      bool
	ReviewIssues  []string // Issues attached by a failed review, fed to the next attempt
	DoneReason    string
	CommitHash    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Run records one spawn attempt of a task. A run with a zero EndedAt is
// considered live; the store enforces at most one live run per task.
type Run struct {
	ID        string
	TaskID    string
	Agent     string
	Model     string
	StartedAt time.Time
	EndedAt   time.Time // Zero while the subprocess is alive
	ExitCode  int
	Output    string
	SessionID string
	CostUSD   float64
	Commit    string
	PID       int
}

// Live reports whether the run's subprocess has not yet ended.
func (r *Run) Live() bool {
	return r.EndedAt.IsZero()
}

// MirrorStatus describes the isolation state of an epic's filesystem mirror.
// The daemon only reads this to route working directories; it never performs
// the underlying git operations.
type MirrorStatus string

const (
	MirrorNone        MirrorStatus = "none"
	MirrorPending     MirrorStatus = "pending"
	MirrorCreating    MirrorStatus = "creating"
	MirrorReady       MirrorStatus = "ready"
	MirrorMerging     MirrorStatus = "merging"
	MirrorMergeFailed MirrorStatus = "merge_failed"
	MirrorMerged      MirrorStatus = "merged"
	MirrorCleaned     MirrorStatus = "cleaned"
)

// Epic groups tasks that share mirror isolation state.
type Epic struct {
	ID           string
	Title        string
	MirrorStatus MirrorStatus
	MirrorPath   string
}

// CompletionType classifies the outcome of a finished subprocess.
type CompletionType string

const (
	CompletionSuccess           CompletionType = "success"
	CompletionFailed            CompletionType = "failed"
	CompletionNetworkError      CompletionType = "network_error"
	CompletionPermissionBlocked CompletionType = "permission_blocked"
)

// Retryable reports whether a completion of this type may trigger an
// automatic re-spawn of the task.
func (c CompletionType) Retryable() bool {
	return c == CompletionFailed || c == CompletionNetworkError
}

// ProcessType distinguishes ordinary task runs from review passes.
type ProcessType string

const (
	ProcessTask   ProcessType = "task"
	ProcessReview ProcessType = "review"
)

// CompletionResult is the transient outcome of a finished subprocess as
// reported by the supervisor's poll. It is projected into Run fields by the
// completion handler and never persisted directly.
type CompletionResult struct {
	TaskID    string
	Agent     string
	Type      CompletionType
	Process   ProcessType
	ExitCode  int
	Output    string
	SessionID string
	CostUSD   float64
	Model     string
}
