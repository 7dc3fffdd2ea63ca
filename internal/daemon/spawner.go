package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentd/internal/events"
	"agentd/internal/protocol"
	"agentd/internal/supervisor"
	"agentd/internal/task"
)

// spawnReadyTasks walks the ready set in priority order (ascending priority,
// FIFO within a band; the store's query sorts, the spawner has no ordering
// opinion) and tries each candidate against free agent capacity.
func (d *Daemon) spawnReadyTasks(ctx context.Context) {
	ready, err := d.cachedReadyTasks(ctx)
	if err != nil {
		d.logger.Error("failed to query ready tasks", "error", err)
		return
	}

	for _, t := range ready {
		if t.Status != task.StatusOpen {
			continue // Cache may lag a same-tick mutation
		}
		d.trySpawnTask(ctx, t, "")
	}
}

// trySpawnTask attempts to hand one dependency-unblocked task to an agent.
// agentOverride, when non-empty, bypasses complexity-based routing. Returns
// false without side effects when any gate refuses; the task's status is
// unchanged unless a subprocess was actually started.
func (d *Daemon) trySpawnTask(ctx context.Context, t *task.Task, agentOverride string) bool {
	if d.life.ShuttingDown() || d.sup.IsShuttingDown() {
		return false
	}

	workDir, ok := d.resolveWorkDir(ctx, t)
	if !ok {
		return false
	}

	agent := agentOverride
	if agent == "" {
		agent = t.AgentOverride
	}
	if agent == "" {
		bound, ok := d.config().AgentForComplexity(string(t.Complexity))
		if !ok {
			d.logger.Warn("no agent bound to complexity tier", "task", t.ID, "tier", string(t.Complexity))
			return false
		}
		agent = bound
	}

	def, ok := d.config().AgentDefinition(agent)
	if !ok {
		d.logger.Warn("unknown agent", "task", t.ID, "agent", agent)
		return false
	}

	// Availability gate: capacity, backoff, and dead-agent detection must
	// all pass before the task is consumed.
	if !d.sup.CanSpawn(agent) {
		return false
	}
	if !d.health.IsAvailable(agent) {
		return false
	}
	if d.health.IsDead(agent, d.config().AgentMaxAttempts(agent)) {
		return false
	}

	if err := d.store.StartTask(ctx, t.ID); err != nil {
		d.logger.Error("failed to consume task", "task", t.ID, "error", err)
		return false
	}
	d.invalidateReadyCache()

	runID := uuid.NewString()
	run := &task.Run{
		ID:        runID,
		TaskID:    t.ID,
		Agent:     agent,
		Model:     def.Model,
		StartedAt: d.now().UTC(),
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		d.logger.Error("failed to create run, reopening task", "task", t.ID, "error", err)
		d.reopenAfterSpawnFailure(ctx, t.ID)
		return false
	}

	cmd := buildAgentCommand(def.Command, def.Args, def.Model, t)
	pid, err := d.sup.Spawn(t, agent, cmd, workDir, runID, task.ProcessTask)
	if err != nil {
		// Never leave a task InProgress with no live process.
		d.logger.Error("spawn failed, reopening task", "task", t.ID, "agent", agent, "error", err)
		if ferr := d.store.FinishRun(ctx, runID, -1, err.Error(), "", "", 0); ferr != nil {
			d.logger.Error("failed to finish dead run", "run", runID, "error", ferr)
		}
		d.reopenAfterSpawnFailure(ctx, t.ID)
		return false
	}

	if err := d.store.SetRunPID(ctx, runID, pid); err != nil {
		d.logger.Error("failed to persist run pid", "run", runID, "error", err)
	}

	d.onTaskSpawned(t, runID, agent)
	return true
}

// reopenAfterSpawnFailure unconditionally reopens a consumed task whose
// subprocess never started.
func (d *Daemon) reopenAfterSpawnFailure(ctx context.Context, taskID string) {
	if err := d.store.ReopenTask(ctx, taskID); err != nil {
		d.logger.Error("failed to reopen task after spawn failure", "task", taskID, "error", err)
	}
	d.invalidateReadyCache()
}

// resolveWorkDir picks the subprocess working directory from the task's
// epic mirror status. Returns ok=false when the task is not currently
// workable.
func (d *Daemon) resolveWorkDir(ctx context.Context, t *task.Task) (string, bool) {
	cfg := d.config()
	projectDir := cfg.Daemon.ProjectDir

	if !cfg.EpicMirrorsEnabled {
		return projectDir, true
	}

	if t.EpicID == "" {
		// Standalone tasks must not race an in-flight epic merge.
		merging, err := d.store.AnyEpicMerging(ctx)
		if err != nil {
			d.logger.Error("failed to check merging epics", "error", err)
			return "", false
		}
		if merging {
			return "", false
		}
		return projectDir, true
	}

	epic, err := d.store.FindEpic(ctx, t.EpicID)
	if err != nil {
		d.logger.Error("failed to load epic", "task", t.ID, "epic", t.EpicID, "error", err)
		return "", false
	}

	switch epic.MirrorStatus {
	case task.MirrorReady:
		return epic.MirrorPath, true
	case task.MirrorPending, task.MirrorCreating, task.MirrorMergeFailed:
		return "", false // Mirror not yet workable
	default:
		return projectDir, true
	}
}

// onTaskSpawned fans out the spawn: wire event to every client, bus event
// for in-process consumers.
func (d *Daemon) onTaskSpawned(t *task.Task, runID, agent string) {
	d.logger.Info("task spawned", "task", t.ID, "run", runID, "agent", agent)

	d.broadcast(protocol.TaskSpawnedEvent{
		EventMeta: d.meta(protocol.TypeTaskSpawned),
		TaskID:    t.ID,
		RunID:     runID,
		Agent:     agent,
	})
	d.bus.Publish(events.TopicTask, events.TaskSpawnedEvent{
		ID:        t.ID,
		RunID:     runID,
		Agent:     agent,
		Timestamp: d.now(),
	})
}

// buildAgentCommand renders the subprocess invocation for a task. Review
// issues from a previous failed pass are appended so the next attempt sees
// them.
func buildAgentCommand(command string, baseArgs []string, model string, t *task.Task) supervisor.Command {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "%s\n\n%s", t.Title, t.Instructions)
	if len(t.ReviewIssues) > 0 {
		prompt.WriteString("\n\nA prior review found these issues; address them:\n")
		for _, issue := range t.ReviewIssues {
			fmt.Fprintf(&prompt, "- %s\n", issue)
		}
	}

	args := append([]string(nil), baseArgs...)
	args = append(args, prompt.String())

	return supervisor.Command{
		Name:  command,
		Args:  args,
		Model: model,
	}
}
