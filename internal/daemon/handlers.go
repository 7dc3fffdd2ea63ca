package daemon

import (
	"github.com/google/uuid"

	"agentd/internal/events"
	"agentd/internal/ipc"
	"agentd/internal/protocol"
	"agentd/internal/task"
)

// handlers wires every protocol command into the daemon. All callbacks run
// on the tick goroutine (the dispatcher is only invoked from the loop), so
// they may touch loop-owned state freely.
func (d *Daemon) handlers() ipc.Handlers {
	return ipc.Handlers{
		Pause:                d.handlePause,
		Resume:               d.handleResume,
		Stop:                 d.handleStop,
		RequestSnapshot:      d.handleRequestSnapshot,
		TaskStart:            d.handleTaskStart,
		TaskReopen:           d.handleTaskReopen,
		TaskDone:             d.handleTaskDone,
		TaskCreate:           d.handleTaskCreate,
		DependencyAdd:        d.handleDependencyAdd,
		SetTaskReviewEnabled: d.handleSetTaskReviewEnabled,
		ReloadConfig:         d.handleReloadConfig,
		RequestDoneTasks:     d.handleRequestDoneTasks,
		RequestBlockedTasks:  d.handleRequestBlockedTasks,
		RequestCompleted:     d.handleRequestCompletedTasks,
		Browser:              d.handleBrowser,
	}
}

func (d *Daemon) handlePause(clientID string, cmd *protocol.PauseCommand) {
	d.life.Pause()
	d.logger.Info("daemon paused", "client", clientID)
	// Pause/resume always re-broadcasts so every client sees the flag flip
	// immediately, changed hash or not.
	d.forceSnapshot(d.ctx, "")
}

func (d *Daemon) handleResume(clientID string, cmd *protocol.ResumeCommand) {
	d.life.Resume()
	d.logger.Info("daemon resumed", "client", clientID)
	d.forceSnapshot(d.ctx, "")
}

func (d *Daemon) handleStop(clientID string, cmd *protocol.StopCommand) {
	graceful := cmd.Mode != protocol.StopForce
	d.logger.Info("stop requested", "client", clientID, "graceful", graceful)
	d.life.Stop(graceful)
	d.sup.SetShuttingDown()
}

func (d *Daemon) handleRequestSnapshot(clientID string, cmd *protocol.RequestSnapshotCommand) {
	d.forceSnapshot(d.ctx, clientID)
}

func (d *Daemon) handleTaskStart(clientID string, cmd *protocol.TaskStartCommand) {
	t, err := d.store.FindTask(d.ctx, cmd.TaskIDField)
	if err != nil {
		d.logger.Warn("task_start for unknown task", "task", cmd.TaskIDField, "client", clientID)
		return
	}
	if t.Status != task.StatusOpen {
		d.logger.Warn("task_start for non-open task", "task", t.ID, "status", string(t.Status))
		return
	}
	d.trySpawnTask(d.ctx, t, cmd.Agent)
}

func (d *Daemon) handleTaskReopen(clientID string, cmd *protocol.TaskReopenCommand) {
	// A live run loses the race: kill it first so the reopened task can be
	// consumed fresh.
	if err := d.sup.Kill(cmd.TaskIDField); err == nil {
		d.logger.Info("killed live run for reopen", "task", cmd.TaskIDField)
	}
	if err := d.store.ReopenTask(d.ctx, cmd.TaskIDField); err != nil {
		d.logger.Warn("failed to reopen task", "task", cmd.TaskIDField, "error", err)
		return
	}
	delete(d.retryCounts, cmd.TaskIDField)
	d.invalidateReadyCache()
	d.forceSnapshot(d.ctx, "")
}

func (d *Daemon) handleTaskDone(clientID string, cmd *protocol.TaskDoneCommand) {
	reason := cmd.Reason
	if reason == "" {
		reason = "Marked done by operator"
	}
	if err := d.store.CompleteTask(d.ctx, cmd.TaskIDField, reason, cmd.CommitHash); err != nil {
		d.logger.Warn("failed to mark task done", "task", cmd.TaskIDField, "error", err)
		return
	}
	delete(d.retryCounts, cmd.TaskIDField)
	d.invalidateReadyCache()
	d.forceSnapshot(d.ctx, "")
}

func (d *Daemon) handleTaskCreate(clientID string, cmd *protocol.TaskCreateCommand) {
	t := &task.Task{
		ID:            uuid.NewString(),
		Title:         cmd.Title,
		Instructions:  cmd.Instructions,
		Status:        task.StatusOpen,
		Complexity:    task.Complexity(cmd.Complexity),
		Priority:      cmd.Priority,
		Labels:        cmd.Labels,
		BlockedBy:     cmd.BlockedBy,
		EpicID:        cmd.EpicID,
		AgentOverride: cmd.Agent,
	}
	if t.Title == "" {
		d.logger.Warn("task_create with empty title dropped", "client", clientID)
		return
	}
	if t.Complexity == "" {
		t.Complexity = task.ComplexityNormal
	}
	if err := d.store.CreateTask(d.ctx, t); err != nil {
		d.logger.Warn("failed to create task", "title", t.Title, "error", err)
		return
	}
	d.invalidateReadyCache()
	d.logger.Info("task created", "task", t.ID, "title", t.Title, "client", clientID)
	d.forceSnapshot(d.ctx, "")
}

func (d *Daemon) handleDependencyAdd(clientID string, cmd *protocol.DependencyAddCommand) {
	if err := d.store.AddDependency(d.ctx, cmd.BlockedID, cmd.BlockerID); err != nil {
		d.logger.Warn("failed to add dependency",
			"blocked", cmd.BlockedID, "blocker", cmd.BlockerID, "error", err)
		return
	}
	d.invalidateReadyCache()
	d.forceSnapshot(d.ctx, "")
}

func (d *Daemon) handleSetTaskReviewEnabled(clientID string, cmd *protocol.SetTaskReviewEnabledCommand) {
	d.cfg.SetTaskReviewEnabled(cmd.Enabled)
	d.logger.Info("task review flag changed", "enabled", cmd.Enabled, "client", clientID)
}

func (d *Daemon) handleReloadConfig(clientID string, cmd *protocol.ReloadConfigCommand) {
	if err := d.cfg.Reload(); err != nil {
		d.logger.Error("config reload failed", "error", err)
		return
	}
	d.logger.Info("config reloaded", "client", clientID)
	d.broadcast(protocol.ConfigReloadedEvent{EventMeta: d.meta(protocol.TypeConfigReloaded)})
	d.bus.Publish(events.TopicSystem, events.ConfigReloadedEvent{Timestamp: d.now()})
}

func (d *Daemon) handleRequestDoneTasks(clientID string, cmd *protocol.RequestDoneTasksCommand) {
	tasks, err := d.store.DoneTasks(d.ctx)
	if err != nil {
		d.logger.Error("failed to list done tasks", "error", err)
		return
	}
	d.sendTo(clientID, protocol.DoneTasksEvent{
		EventMeta: d.meta(protocol.TypeDoneTasks),
		RequestID: cmd.RequestID,
		Tasks:     taskViews(tasks),
	})
}

func (d *Daemon) handleRequestBlockedTasks(clientID string, cmd *protocol.RequestBlockedTasksCommand) {
	tasks, err := d.store.BlockedTasks(d.ctx)
	if err != nil {
		d.logger.Error("failed to list blocked tasks", "error", err)
		return
	}
	d.sendTo(clientID, protocol.BlockedTasksEvent{
		EventMeta: d.meta(protocol.TypeBlockedTasks),
		RequestID: cmd.RequestID,
		Tasks:     taskViews(tasks),
	})
}

func (d *Daemon) handleRequestCompletedTasks(clientID string, cmd *protocol.RequestCompletedTasksCommand) {
	runs, err := d.store.CompletedRuns(d.ctx, 50)
	if err != nil {
		d.logger.Error("failed to list completed runs", "error", err)
		return
	}
	views := make([]protocol.RunView, 0, len(runs))
	for _, r := range runs {
		views = append(views, protocol.NewRunView(r))
	}
	d.sendTo(clientID, protocol.CompletedTasksEvent{
		EventMeta: d.meta(protocol.TypeCompletedTasks),
		RequestID: cmd.RequestID,
		Runs:      views,
	})
}

// handleBrowser acknowledges the browser_* family without acting on it; no
// browser subprocess backend is wired in.
func (d *Daemon) handleBrowser(clientID string, cmd *protocol.BrowserCommand) {
	d.logger.Debug("browser command ignored", "type", cmd.Type, "client", clientID)
}

func taskViews(tasks []*task.Task) []protocol.TaskView {
	views := make([]protocol.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, protocol.NewTaskView(t))
	}
	return views
}
