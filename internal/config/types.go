package config

import (
	"time"
)

// AgentConfig defines one external coding agent the daemon can spawn.
type AgentConfig struct {
	Command     string   `json:"command"`                // CLI binary name (e.g., "claude")
	Args        []string `json:"args,omitempty"`         // Default args prepended to every invocation
	Model       string   `json:"model,omitempty"`        // Model override passed to the agent
	MaxAttempts int      `json:"max_attempts,omitempty"` // Retry ceiling per task (default 3)
	Capacity    int      `json:"capacity,omitempty"`     // Max concurrent subprocesses (default 1)
}

// DaemonConfig holds the daemon-process settings.
type DaemonConfig struct {
	Port             int    `json:"port"`               // TCP listen port for the IPC server
	TickMillis       int    `json:"tick_millis"`        // Sleep between loop ticks
	SnapshotMillis   int    `json:"snapshot_millis"`    // Minimum interval between periodic snapshots
	OutputBufferSize int    `json:"output_buffer_size"` // Byte cap per task output ring buffer
	ClientBufferSize int    `json:"client_buffer_size"` // Outbound byte ceiling per IPC client
	ProjectDir       string `json:"project_dir"`        // Default working directory for spawned agents
	Development      bool   `json:"development"`        // Re-raise tick panics instead of logging them
}

// Config is the top-level configuration.
type Config struct {
	Daemon             DaemonConfig           `json:"daemon"`
	Agents             map[string]AgentConfig `json:"agents"`
	Complexity         map[string]string      `json:"complexity"`          // Complexity tier -> agent name
	TaskReviewEnabled  bool                   `json:"task_review_enabled"` // Insert a review pass after task success
	EpicMirrorsEnabled bool                   `json:"epic_mirrors_enabled"`
}

// TickInterval returns the loop sleep as a duration.
func (c *Config) TickInterval() time.Duration {
	if c.Daemon.TickMillis <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.Daemon.TickMillis) * time.Millisecond
}

// SnapshotInterval returns the minimum gap between periodic snapshot
// broadcasts.
func (c *Config) SnapshotInterval() time.Duration {
	if c.Daemon.SnapshotMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Daemon.SnapshotMillis) * time.Millisecond
}

// AgentForComplexity resolves the agent bound to a complexity tier. Returns
// the agent name and whether a binding exists.
func (c *Config) AgentForComplexity(tier string) (string, bool) {
	agent, ok := c.Complexity[tier]
	return agent, ok
}

// AgentDefinition returns the named agent's configuration.
func (c *Config) AgentDefinition(name string) (AgentConfig, bool) {
	a, ok := c.Agents[name]
	return a, ok
}

// AgentMaxAttempts returns the retry ceiling for the named agent.
func (c *Config) AgentMaxAttempts(name string) int {
	a, ok := c.Agents[name]
	if !ok || a.MaxAttempts <= 0 {
		return 3
	}
	return a.MaxAttempts
}

// AgentCapacity returns the concurrency capacity for the named agent.
func (c *Config) AgentCapacity(name string) int {
	a, ok := c.Agents[name]
	if !ok {
		return 0
	}
	if a.Capacity <= 0 {
		return 1
	}
	return a.Capacity
}
