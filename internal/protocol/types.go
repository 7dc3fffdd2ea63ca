// Package protocol defines the newline-delimited JSON wire protocol spoken
// between the daemon and its clients: a closed set of client commands and
// server events, discriminated by a "type" string.
package protocol

import (
	"time"

	"agentd/internal/health"
	"agentd/internal/task"
)

// Command type constants (client -> server).
const (
	TypePause                 = "pause"
	TypeResume                = "resume"
	TypeStop                  = "stop"
	TypeRequestSnapshot       = "request_snapshot"
	TypeTaskStart             = "task_start"
	TypeTaskReopen            = "task_reopen"
	TypeTaskDone              = "task_done"
	TypeTaskCreate            = "task_create"
	TypeDependencyAdd         = "dependency_add"
	TypeSetTaskReviewEnabled  = "set_task_review_enabled"
	TypeReloadConfig          = "reload_config"
	TypeRequestDoneTasks      = "request_done_tasks"
	TypeRequestBlockedTasks   = "request_blocked_tasks"
	TypeRequestCompletedTasks = "request_completed_tasks"
)

// Event type constants (server -> client).
const (
	TypeHello           = "hello"
	TypeSnapshot        = "snapshot"
	TypeTaskSpawned     = "task_spawned"
	TypeTaskCompleted   = "task_completed"
	TypeTaskEscalated   = "task_escalated"
	TypeReviewCompleted = "review_completed"
	TypeHealthChange    = "health_change"
	TypeConfigReloaded  = "config_reloaded"
	TypeDoneTasks       = "done_tasks"
	TypeBlockedTasks    = "blocked_tasks"
	TypeCompletedTasks  = "completed_tasks"
	TypeTaskOutput      = "task_output"
)

// StopMode selects how the daemon winds down.
type StopMode string

const (
	StopGraceful StopMode = "graceful"
	StopForce    StopMode = "force"
)

// Command is implemented by every client->server message.
type Command interface {
	CommandType() string
	CommandRequestID() string
}

// CommandBase carries the envelope fields shared by all commands.
type CommandBase struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

func (c CommandBase) CommandRequestID() string { return c.RequestID }

// PauseCommand stops the daemon from spawning new tasks.
type PauseCommand struct{ CommandBase }

func (PauseCommand) CommandType() string { return TypePause }

// ResumeCommand resumes spawning.
type ResumeCommand struct{ CommandBase }

func (ResumeCommand) CommandType() string { return TypeResume }

// StopCommand shuts the daemon down.
type StopCommand struct {
	CommandBase
	Mode StopMode `json:"mode,omitempty"`
}

func (StopCommand) CommandType() string { return TypeStop }

// RequestSnapshotCommand asks for a snapshot sent only to the requester.
type RequestSnapshotCommand struct{ CommandBase }

func (RequestSnapshotCommand) CommandType() string { return TypeRequestSnapshot }

// TaskStartCommand asks the daemon to spawn a specific task immediately,
// optionally on an explicit agent.
type TaskStartCommand struct {
	CommandBase
	TaskIDField string `json:"task_id"`
	Agent       string `json:"agent,omitempty"`
}

func (TaskStartCommand) CommandType() string { return TypeTaskStart }

// TaskReopenCommand returns a task to open status.
type TaskReopenCommand struct {
	CommandBase
	TaskIDField string `json:"task_id"`
}

func (TaskReopenCommand) CommandType() string { return TypeTaskReopen }

// TaskDoneCommand marks a task done on the operator's authority.
type TaskDoneCommand struct {
	CommandBase
	TaskIDField string `json:"task_id"`
	Reason      string `json:"reason,omitempty"`
	CommitHash  string `json:"commit_hash,omitempty"`
}

func (TaskDoneCommand) CommandType() string { return TypeTaskDone }

// TaskCreateCommand creates a new task.
type TaskCreateCommand struct {
	CommandBase
	Title        string   `json:"title"`
	Instructions string   `json:"instructions,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	BlockedBy    []string `json:"blocked_by,omitempty"`
	EpicID       string   `json:"epic_id,omitempty"`
	Agent        string   `json:"agent,omitempty"`
}

func (TaskCreateCommand) CommandType() string { return TypeTaskCreate }

// DependencyAddCommand wires blocker as a dependency of blocked.
type DependencyAddCommand struct {
	CommandBase
	BlockedID string `json:"blocked_id"`
	BlockerID string `json:"blocker_id"`
}

func (DependencyAddCommand) CommandType() string { return TypeDependencyAdd }

// SetTaskReviewEnabledCommand flips the review feature flag.
type SetTaskReviewEnabledCommand struct {
	CommandBase
	Enabled bool `json:"enabled"`
}

func (SetTaskReviewEnabledCommand) CommandType() string { return TypeSetTaskReviewEnabled }

// ReloadConfigCommand re-reads configuration from disk.
type ReloadConfigCommand struct{ CommandBase }

func (ReloadConfigCommand) CommandType() string { return TypeReloadConfig }

// RequestDoneTasksCommand asks for the full done-task list (requester only).
type RequestDoneTasksCommand struct{ CommandBase }

func (RequestDoneTasksCommand) CommandType() string { return TypeRequestDoneTasks }

// RequestBlockedTasksCommand asks for the full blocked-task list.
type RequestBlockedTasksCommand struct{ CommandBase }

func (RequestBlockedTasksCommand) CommandType() string { return TypeRequestBlockedTasks }

// RequestCompletedTasksCommand asks for recently completed runs.
type RequestCompletedTasksCommand struct{ CommandBase }

func (RequestCompletedTasksCommand) CommandType() string { return TypeRequestCompletedTasks }

// BrowserCommand covers the browser_* command family. The daemon routes
// these through the same dispatch mechanism as any other subprocess type; the
// action keeps the full wire type (e.g., "browser_navigate").
type BrowserCommand struct {
	CommandBase
	Payload map[string]any `json:"payload,omitempty"`
}

func (c BrowserCommand) CommandType() string { return c.Type }

// EventMeta carries the envelope fields every server event includes.
// InstanceID lets clients detect a daemon restart.
type EventMeta struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// TaskView is the wire representation of a task.
type TaskView struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	Complexity   string   `json:"complexity"`
	Priority     int      `json:"priority"`
	Labels       []string `json:"labels,omitempty"`
	BlockedBy    []string `json:"blocked_by,omitempty"`
	EpicID       string   `json:"epic_id,omitempty"`
	ReviewIssues []string `json:"review_issues,omitempty"`
	DoneReason   string   `json:"done_reason,omitempty"`
}

// NewTaskView projects a task onto the wire.
func NewTaskView(t *task.Task) TaskView {
	return TaskView{
		ID:           t.ID,
		Title:        t.Title,
		Status:       string(t.Status),
		Complexity:   string(t.Complexity),
		Priority:     t.Priority,
		Labels:       t.Labels,
		BlockedBy:    t.BlockedBy,
		EpicID:       t.EpicID,
		ReviewIssues: t.ReviewIssues,
		DoneReason:   t.DoneReason,
	}
}

// RunView is the wire representation of a run.
type RunView struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Model     string    `json:"model,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	ExitCode  int       `json:"exit_code"`
	SessionID string    `json:"session_id,omitempty"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

// NewRunView projects a run onto the wire. Output is deliberately excluded;
// live output travels through task_output events instead.
func NewRunView(r *task.Run) RunView {
	return RunView{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Agent:     r.Agent,
		Model:     r.Model,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		ExitCode:  r.ExitCode,
		SessionID: r.SessionID,
		CostUSD:   r.CostUSD,
		PID:       r.PID,
	}
}

// HelloEvent greets a newly connected client.
type HelloEvent struct {
	EventMeta
	Version string `json:"version,omitempty"`
}

// SnapshotEvent is a full point-in-time view of daemon state.
type SnapshotEvent struct {
	EventMeta
	Paused     bool            `json:"paused"`
	Tasks      []TaskView      `json:"tasks"`
	ActiveRuns []RunView       `json:"active_runs"`
	Health     []health.Status `json:"health"`
}

// TaskSpawnedEvent announces a new run.
type TaskSpawnedEvent struct {
	EventMeta
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
	Agent  string `json:"agent"`
}

// TaskCompletedEvent announces a finished task subprocess.
type TaskCompletedEvent struct {
	EventMeta
	TaskID   string `json:"task_id"`
	Outcome  string `json:"outcome"`
	ExitCode int    `json:"exit_code"`
}

// TaskEscalatedEvent announces a synthesized blocking human task.
type TaskEscalatedEvent struct {
	EventMeta
	TaskID      string `json:"task_id"`
	HumanTaskID string `json:"human_task_id"`
	Reason      string `json:"reason"`
}

// ReviewCompletedEvent announces a resolved review.
type ReviewCompletedEvent struct {
	EventMeta
	TaskID  string   `json:"task_id"`
	Passed  bool     `json:"passed"`
	Issues  []string `json:"issues,omitempty"`
	WasDone bool     `json:"was_done"`
}

// HealthChangeEvent announces an agent health transition.
type HealthChangeEvent struct {
	EventMeta
	Status health.Status `json:"status"`
}

// ConfigReloadedEvent announces a completed config reload.
type ConfigReloadedEvent struct {
	EventMeta
}

// DoneTasksEvent answers request_done_tasks (requester only).
type DoneTasksEvent struct {
	EventMeta
	RequestID string     `json:"request_id,omitempty"`
	Tasks     []TaskView `json:"tasks"`
}

// BlockedTasksEvent answers request_blocked_tasks (requester only).
type BlockedTasksEvent struct {
	EventMeta
	RequestID string     `json:"request_id,omitempty"`
	Tasks     []TaskView `json:"tasks"`
}

// CompletedTasksEvent answers request_completed_tasks with recently ended
// runs (requester only).
type CompletedTasksEvent struct {
	EventMeta
	RequestID string    `json:"request_id,omitempty"`
	Runs      []RunView `json:"runs"`
}

// TaskOutputEvent streams one line of live subprocess output.
type TaskOutputEvent struct {
	EventMeta
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
}
