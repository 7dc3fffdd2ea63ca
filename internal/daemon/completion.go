package daemon

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"agentd/internal/events"
	"agentd/internal/protocol"
	"agentd/internal/task"
)

// needsHumanLabel marks synthesized escalation tasks.
const needsHumanLabel = "needs-human"

// pollAndHandleCompletions is the per-tick completion pass: refresh session
// ids on still-active runs, poll the supervisor, and react to every
// finished subprocess. Review-type completions are handed to the review
// manager; everything else is handled here.
func (d *Daemon) pollAndHandleCompletions(ctx context.Context) []task.CompletionResult {
	// Agents may report a session id mid-flight; persist before polling so
	// a completion in this very tick doesn't lose it.
	for _, ap := range d.sup.ActiveProcesses() {
		if ap.Process != task.ProcessTask || ap.SessionID == "" {
			continue
		}
		if err := d.store.SetRunSession(ctx, ap.RunID, ap.SessionID); err != nil {
			d.logger.Debug("session refresh skipped", "run", ap.RunID, "error", err)
		}
	}

	results := d.sup.Poll()
	for _, res := range results {
		if res.Process == task.ProcessReview {
			// Review Manager owns these; see checkCompletedReviews.
			d.reviewResults = append(d.reviewResults, res)
			continue
		}
		d.handleTaskCompletion(ctx, res)
	}
	return results
}

func (d *Daemon) handleTaskCompletion(ctx context.Context, res task.CompletionResult) {
	d.logger.Info("task subprocess finished",
		"task", res.TaskID, "agent", res.Agent, "outcome", string(res.Type), "exit", res.ExitCode)

	// Project the completion into the run record; this also clears the pid.
	if run, err := d.store.FindLiveRun(ctx, res.TaskID); err == nil {
		if ferr := d.store.FinishRun(ctx, run.ID, res.ExitCode, res.Output, res.SessionID, res.Model, res.CostUSD); ferr != nil {
			d.logger.Error("failed to finish run", "run", run.ID, "error", ferr)
		}
	} else {
		d.logger.Warn("completion with no live run", "task", res.TaskID)
	}

	// Streaming is over for this task.
	d.snap.DropOutput(res.TaskID)

	switch res.Type {
	case task.CompletionSuccess:
		d.health.RecordSuccess(res.Agent)
		delete(d.retryCounts, res.TaskID)

		if d.config().TaskReviewEnabled {
			if err := d.triggerReview(ctx, res); err != nil {
				d.logger.Warn("review unavailable, auto-completing", "task", res.TaskID, "error", err)
				d.autoComplete(ctx, res.TaskID)
			}
		} else {
			d.autoComplete(ctx, res.TaskID)
		}

	case task.CompletionFailed, task.CompletionNetworkError:
		d.health.RecordFailure(res.Agent, res.Type)

		maxAttempts := d.config().AgentMaxAttempts(res.Agent)
		if res.Type.Retryable() && d.retryCounts[res.TaskID] < maxAttempts-1 {
			d.retryCounts[res.TaskID]++
			d.logger.Info("retrying task",
				"task", res.TaskID, "attempt", d.retryCounts[res.TaskID]+1, "max", maxAttempts)
			if err := d.store.ReopenTask(ctx, res.TaskID); err != nil {
				d.logger.Error("failed to reopen task for retry", "task", res.TaskID, "error", err)
			}
			d.invalidateReadyCache()
		} else {
			// Retries exhausted: escalate to a human instead of leaving the
			// task wedged InProgress forever.
			delete(d.retryCounts, res.TaskID)
			d.escalateToHuman(ctx, res.TaskID, fmt.Sprintf(
				"Agent %s failed %d consecutive attempts (last exit %d). Investigate the task, fix the underlying problem, then mark this task done to unblock it.",
				res.Agent, maxAttempts, res.ExitCode))
		}

	case task.CompletionPermissionBlocked:
		d.health.RecordFailure(res.Agent, res.Type)
		delete(d.retryCounts, res.TaskID)
		d.escalateToHuman(ctx, res.TaskID,
			"The agent was blocked on a permission request. Either run the agent interactively once to grant the permission, or enable autonomous-mode flags for it in the daemon config.")
	}

	d.broadcast(protocol.TaskCompletedEvent{
		EventMeta: d.meta(protocol.TypeTaskCompleted),
		TaskID:    res.TaskID,
		Outcome:   string(res.Type),
		ExitCode:  res.ExitCode,
	})
	d.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        res.TaskID,
		Outcome:   res.Type,
		ExitCode:  res.ExitCode,
		Timestamp: d.now(),
	})
}

// autoComplete marks a task done without a review pass.
func (d *Daemon) autoComplete(ctx context.Context, taskID string) {
	if err := d.store.CompleteTask(ctx, taskID, "Auto-completed by consume (agent exit 0)", ""); err != nil {
		d.logger.Error("failed to auto-complete task", "task", taskID, "error", err)
		return
	}
	// The label distinguishes unreviewed completions from review-passed ones
	// when scanning history later.
	if err := d.store.AddTaskLabel(ctx, taskID, "auto-completed"); err != nil {
		d.logger.Warn("failed to label auto-completed task", "task", taskID, "error", err)
	}
	d.invalidateReadyCache()
}

// escalateToHuman synthesizes a high-priority human task, wires it as a
// blocker of the original, and reopens the original so it waits on the
// human. This is the only failure path that creates new work instead of
// repeating old work.
func (d *Daemon) escalateToHuman(ctx context.Context, taskID, remediation string) {
	orig, err := d.store.FindTask(ctx, taskID)
	if err != nil {
		d.logger.Error("failed to load task for escalation", "task", taskID, "error", err)
		return
	}

	human := &task.Task{
		ID:           uuid.NewString(),
		Title:        fmt.Sprintf("Human intervention needed: %s", orig.Title),
		Instructions: remediation,
		Status:       task.StatusOpen,
		Complexity:   task.ComplexityTrivial,
		Labels:       []string{needsHumanLabel},
		Priority:     0, // Ahead of all normal work
	}
	if err := d.store.CreateTask(ctx, human); err != nil {
		d.logger.Error("failed to create escalation task", "task", taskID, "error", err)
		return
	}
	if err := d.store.AddDependency(ctx, taskID, human.ID); err != nil {
		d.logger.Error("failed to wire escalation dependency", "task", taskID, "error", err)
	}
	if err := d.store.ReopenTask(ctx, taskID); err != nil {
		d.logger.Error("failed to reopen escalated task", "task", taskID, "error", err)
	}
	d.invalidateReadyCache()

	d.logger.Warn("task escalated to human", "task", taskID, "human_task", human.ID)

	d.broadcast(protocol.TaskEscalatedEvent{
		EventMeta:   d.meta(protocol.TypeTaskEscalated),
		TaskID:      taskID,
		HumanTaskID: human.ID,
		Reason:      remediation,
	})
	d.bus.Publish(events.TopicTask, events.TaskEscalatedEvent{
		ID:          taskID,
		HumanTaskID: human.ID,
		Reason:      remediation,
		Timestamp:   d.now(),
	})
}
