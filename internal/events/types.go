package events

import (
	"time"

	"agentd/internal/task"
)

// Event is the base interface for all bus events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask   = "task"
	TopicReview = "review"
	TopicHealth = "health"
	TopicSystem = "system"
)

// Event type constants
const (
	EventTypeTaskSpawned   = "task.spawned"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskEscalated = "task.escalated"
	EventTypeReviewDone    = "review.completed"
	EventTypeDocsUpdate    = "review.docs_update"
	EventTypeHealthChanged = "health.changed"
	EventTypeConfigReload  = "system.config_reloaded"
)

// TaskSpawnedEvent is published when a run is created and its subprocess
// started.
type TaskSpawnedEvent struct {
	ID        string
	RunID     string
	Agent     string
	Timestamp time.Time
}

func (e TaskSpawnedEvent) EventType() string { return EventTypeTaskSpawned }
func (e TaskSpawnedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task subprocess finishes,
// whatever the outcome.
type TaskCompletedEvent struct {
	ID        string
	Outcome   task.CompletionType
	ExitCode  int
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskEscalatedEvent is published when the daemon synthesizes a blocking
// human task for a stuck or permission-blocked task.
type TaskEscalatedEvent struct {
	ID          string // The original, now-blocked task
	HumanTaskID string
	Reason      string
	Timestamp   time.Time
}

func (e TaskEscalatedEvent) EventType() string { return EventTypeTaskEscalated }
func (e TaskEscalatedEvent) TaskID() string    { return e.ID }

// ReviewCompletedEvent is published when a pending review resolves.
type ReviewCompletedEvent struct {
	ID        string
	Passed    bool
	Issues    []string
	WasDone   bool // Task was already done before the review started
	Timestamp time.Time
}

func (e ReviewCompletedEvent) EventType() string { return EventTypeReviewDone }
func (e ReviewCompletedEvent) TaskID() string    { return e.ID }

// DocsUpdateRequestedEvent is the fire-and-forget trigger emitted when a
// solo (epic-less) task passes review. Execution belongs entirely to the
// subscriber; the daemon never awaits or retries it.
type DocsUpdateRequestedEvent struct {
	ID        string
	Timestamp time.Time
}

func (e DocsUpdateRequestedEvent) EventType() string { return EventTypeDocsUpdate }
func (e DocsUpdateRequestedEvent) TaskID() string    { return e.ID }

// HealthChangedEvent is published only on agent health transitions, not on
// every tick.
type HealthChangedEvent struct {
	Agent     string
	InBackoff bool
	Dead      bool
	Timestamp time.Time
}

func (e HealthChangedEvent) EventType() string { return EventTypeHealthChanged }
func (e HealthChangedEvent) TaskID() string    { return "" }

// ConfigReloadedEvent is published after a successful config reload.
type ConfigReloadedEvent struct {
	Timestamp time.Time
}

func (e ConfigReloadedEvent) EventType() string { return EventTypeConfigReload }
func (e ConfigReloadedEvent) TaskID() string    { return "" }
