package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentd/internal/events"
	"agentd/internal/protocol"
	"agentd/internal/supervisor"
	"agentd/internal/task"
)

// pendingReview is the per-task review state between spawn and verdict.
type pendingReview struct {
	agent   string
	wasDone bool
}

// reviewVerdict is the JSON document the reviewer prints as its last line.
type reviewVerdict struct {
	Pass   bool     `json:"pass"`
	Issues []string `json:"issues"`
}

// triggerReview spawns a reviewer subprocess for a task whose agent just
// exited 0. At most one review may be pending per task; a second success
// while one is in flight is ignored rather than double-reviewed.
func (d *Daemon) triggerReview(ctx context.Context, res task.CompletionResult) error {
	if _, ok := d.pendingReviews[res.TaskID]; ok {
		return fmt.Errorf("review already pending for task %s", res.TaskID)
	}

	t, err := d.store.FindTask(ctx, res.TaskID)
	if err != nil {
		return fmt.Errorf("load task for review: %w", err)
	}

	agent := res.Agent
	def, ok := d.config().AgentDefinition(agent)
	if !ok {
		return fmt.Errorf("no agent definition for %q", agent)
	}
	if !d.sup.CanSpawn(agent) {
		return fmt.Errorf("agent %s at capacity", agent)
	}

	cmd := supervisor.Command{
		Name:  def.Command,
		Args:  append(append([]string{}, def.Args...), buildReviewPrompt(t)),
		Model: def.Model,
	}

	workDir, ok := d.resolveWorkDir(ctx, t)
	if !ok {
		return fmt.Errorf("work dir unavailable for task %s", t.ID)
	}

	// Reviews are supervisor-only runs; they never touch the runs table, so
	// the at-most-one-live-run invariant stays about task runs.
	reviewRunID := uuid.NewString()
	if _, err := d.sup.Spawn(t, agent, cmd, workDir, reviewRunID, task.ProcessReview); err != nil {
		return fmt.Errorf("spawn reviewer: %w", err)
	}

	d.pendingReviews[res.TaskID] = &pendingReview{
		agent:   agent,
		wasDone: t.Status == task.StatusDone,
	}
	d.logger.Info("review started", "task", res.TaskID, "agent", agent, "was_done", t.Status == task.StatusDone)
	return nil
}

// checkCompletedReviews drains reviewer completions routed here by the
// completion pass and applies verdicts.
func (d *Daemon) checkCompletedReviews(ctx context.Context) {
	if len(d.reviewResults) == 0 {
		return
	}
	results := d.reviewResults
	d.reviewResults = nil

	for _, res := range results {
		pending, ok := d.pendingReviews[res.TaskID]
		if !ok {
			d.logger.Warn("review completion with no pending review", "task", res.TaskID)
			continue
		}
		delete(d.pendingReviews, res.TaskID)

		// The reviewer streamed through the same output ring as task runs.
		d.snap.DropOutput(res.TaskID)

		verdict, err := parseReviewVerdict(res.Output)
		if err != nil || res.ExitCode != 0 {
			// A reviewer that crashed or printed no verdict must not hold the
			// task hostage: treat it as a pass with a warning.
			d.logger.Warn("reviewer produced no verdict, passing task",
				"task", res.TaskID, "exit", res.ExitCode, "error", err)
			verdict = reviewVerdict{Pass: true}
		}

		if verdict.Pass {
			d.applyReviewPass(ctx, res.TaskID, pending)
		} else {
			d.applyReviewFail(ctx, res.TaskID, verdict.Issues)
		}

		d.broadcast(protocol.ReviewCompletedEvent{
			EventMeta: d.meta(protocol.TypeReviewCompleted),
			TaskID:    res.TaskID,
			Passed:    verdict.Pass,
			Issues:    verdict.Issues,
			WasDone:   pending.wasDone,
		})
		d.bus.Publish(events.TopicReview, events.ReviewCompletedEvent{
			ID:        res.TaskID,
			Passed:    verdict.Pass,
			Issues:    verdict.Issues,
			WasDone:   pending.wasDone,
			Timestamp: d.now(),
		})
	}
}

func (d *Daemon) applyReviewPass(ctx context.Context, taskID string, pending *pendingReview) {
	// Idempotent: a task a human already marked done stays done with its
	// original reason.
	if !pending.wasDone {
		if err := d.store.CompleteTask(ctx, taskID, "Completed after review pass", ""); err != nil {
			d.logger.Error("failed to complete reviewed task", "task", taskID, "error", err)
			return
		}
		d.invalidateReadyCache()
	}
	d.logger.Info("review passed", "task", taskID)

	// Solo tasks trigger a docs refresh; epic members wait for the epic.
	t, err := d.store.FindTask(ctx, taskID)
	if err == nil && t.EpicID == "" {
		d.bus.Publish(events.TopicTask, events.DocsUpdateRequestedEvent{
			ID:        taskID,
			Timestamp: d.now(),
		})
	}
}

func (d *Daemon) applyReviewFail(ctx context.Context, taskID string, issues []string) {
	if err := d.store.SetReviewIssues(ctx, taskID, issues); err != nil {
		d.logger.Error("failed to record review issues", "task", taskID, "error", err)
	}
	if err := d.store.ReopenTask(ctx, taskID); err != nil {
		d.logger.Error("failed to reopen task after failed review", "task", taskID, "error", err)
		return
	}
	d.invalidateReadyCache()
	d.logger.Info("review failed, task reopened", "task", taskID, "issues", len(issues))
}

// parseReviewVerdict scans the reviewer's output bottom-up for the verdict
// document. Reviewers chat before concluding, so only the last parseable
// JSON object counts.
func parseReviewVerdict(output string) (reviewVerdict, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var v struct {
			Pass   *bool    `json:"pass"`
			Issues []string `json:"issues"`
		}
		if err := json.Unmarshal([]byte(line), &v); err != nil || v.Pass == nil {
			continue
		}
		return reviewVerdict{Pass: *v.Pass, Issues: v.Issues}, nil
	}
	return reviewVerdict{}, fmt.Errorf("no verdict found in reviewer output")
}

func buildReviewPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString("Review the work just completed for the following task. ")
	b.WriteString("Inspect the changes critically and decide whether they satisfy the task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", t.Title)
	if t.Instructions != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Instructions)
	}
	b.WriteString("\nWhen finished, print exactly one JSON line as your final output: ")
	b.WriteString(`{"pass": true} if the work is acceptable, or `)
	b.WriteString(`{"pass": false, "issues": ["..."]} listing each concrete problem.`)
	return b.String()
}
