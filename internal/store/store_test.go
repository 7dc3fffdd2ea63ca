package store

import (
	"context"
	"path/filepath"
	"testing"

	"agentd/internal/task"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *SQLiteStore, tk *task.Task) {
	t.Helper()
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("Failed to create task %s: %v", tk.ID, err)
	}
}

// TestCreateAndFindTask verifies a full roundtrip including labels and
// dependency lists.
func TestCreateAndFindTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "dep-1", Title: "Blocker"})
	mustCreate(t, s, &task.Task{
		ID:           "t-1",
		Title:        "Implement feature",
		Instructions: "Do the thing",
		Complexity:   task.ComplexityComplex,
		Labels:       []string{"backend", "urgent"},
		BlockedBy:    []string{"dep-1"},
		Priority:     2,
	})

	got, err := s.FindTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("FindTask failed: %v", err)
	}
	if got.Title != "Implement feature" {
		t.Errorf("Expected title %q, got %q", "Implement feature", got.Title)
	}
	if got.Status != task.StatusOpen {
		t.Errorf("Expected default status open, got %q", got.Status)
	}
	if got.Complexity != task.ComplexityComplex {
		t.Errorf("Expected complexity complex, got %q", got.Complexity)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "backend" {
		t.Errorf("Labels did not survive roundtrip: %v", got.Labels)
	}
	if len(got.BlockedBy) != 1 || got.BlockedBy[0] != "dep-1" {
		t.Errorf("BlockedBy did not survive roundtrip: %v", got.BlockedBy)
	}
}

// TestCreateTaskRejectsSelfDependency ensures a task cannot block on itself.
func TestCreateTaskRejectsSelfDependency(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateTask(context.Background(), &task.Task{
		ID: "t-1", Title: "Loop", BlockedBy: []string{"t-1"},
	})
	if err == nil {
		t.Fatal("Expected self-dependency to be rejected")
	}
}

// TestCreateTaskRejectsMissingDependency ensures dependency IDs must exist.
func TestCreateTaskRejectsMissingDependency(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateTask(context.Background(), &task.Task{
		ID: "t-1", Title: "Orphan dep", BlockedBy: []string{"ghost"},
	})
	if err == nil {
		t.Fatal("Expected missing dependency to be rejected")
	}
}

// TestAddDependencyRejectsCycle verifies the DAG invariant at the store
// boundary.
func TestAddDependencyRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "a", Title: "A"})
	mustCreate(t, s, &task.Task{ID: "b", Title: "B"})
	mustCreate(t, s, &task.Task{ID: "c", Title: "C"})

	if err := s.AddDependency(ctx, "b", "a"); err != nil {
		t.Fatalf("AddDependency b<-a failed: %v", err)
	}
	if err := s.AddDependency(ctx, "c", "b"); err != nil {
		t.Fatalf("AddDependency c<-b failed: %v", err)
	}

	// Closing the loop a<-c must fail.
	if err := s.AddDependency(ctx, "a", "c"); err == nil {
		t.Fatal("Expected cycle a<-c to be rejected")
	}

	// Duplicate edges are a no-op, not an error.
	if err := s.AddDependency(ctx, "b", "a"); err != nil {
		t.Errorf("Duplicate edge should be accepted silently: %v", err)
	}
}

// TestReadyTasks verifies dependency filtering and priority ordering.
func TestReadyTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "blocker", Title: "Blocker", Priority: 5})
	mustCreate(t, s, &task.Task{ID: "blocked", Title: "Blocked", BlockedBy: []string{"blocker"}, Priority: 1})
	mustCreate(t, s, &task.Task{ID: "urgent", Title: "Urgent", Priority: 0})

	ready, err := s.ReadyTasks(ctx)
	if err != nil {
		t.Fatalf("ReadyTasks failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("Expected 2 ready tasks, got %d", len(ready))
	}
	if ready[0].ID != "urgent" || ready[1].ID != "blocker" {
		t.Errorf("Expected priority order [urgent blocker], got [%s %s]", ready[0].ID, ready[1].ID)
	}

	blocked, err := s.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("BlockedTasks failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != "blocked" {
		t.Errorf("Expected [blocked] in blocked set, got %v", blocked)
	}

	// Completing the blocker releases the blocked task.
	if err := s.CompleteTask(ctx, "blocker", "done", ""); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	ready, err = s.ReadyTasks(ctx)
	if err != nil {
		t.Fatalf("ReadyTasks after completion failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("Expected 2 ready tasks after unblocking, got %d", len(ready))
	}
}

// TestStartTaskConsumeSemantics verifies consume is a guarded open ->
// in_progress transition.
func TestStartTaskConsumeSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "t-1", Title: "Work"})

	if err := s.StartTask(ctx, "t-1"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	got, _ := s.FindTask(ctx, "t-1")
	if got.Status != task.StatusInProgress || !got.Consumed {
		t.Errorf("Expected in_progress+consumed, got status=%s consumed=%v", got.Status, got.Consumed)
	}

	// Double consume must fail: the task is no longer open.
	if err := s.StartTask(ctx, "t-1"); err == nil {
		t.Error("Expected second StartTask to fail")
	}

	// Reopen resets both flags and clears the done reason.
	if err := s.ReopenTask(ctx, "t-1"); err != nil {
		t.Fatalf("ReopenTask failed: %v", err)
	}
	got, _ = s.FindTask(ctx, "t-1")
	if got.Status != task.StatusOpen || got.Consumed {
		t.Errorf("Expected open+unconsumed after reopen, got status=%s consumed=%v", got.Status, got.Consumed)
	}
}

// TestReopenDoneTask covers the failed-review path: done tasks reopen and
// lose their done reason.
func TestReopenDoneTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "t-1", Title: "Work"})
	if err := s.CompleteTask(ctx, "t-1", "review passed", "abc123"); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	got, _ := s.FindTask(ctx, "t-1")
	if got.DoneReason != "review passed" || got.CommitHash != "abc123" {
		t.Fatalf("Completion fields not persisted: %+v", got)
	}

	if err := s.ReopenTask(ctx, "t-1"); err != nil {
		t.Fatalf("ReopenTask failed: %v", err)
	}
	got, _ = s.FindTask(ctx, "t-1")
	if got.Status != task.StatusOpen || got.DoneReason != "" {
		t.Errorf("Expected open with cleared reason, got status=%s reason=%q", got.Status, got.DoneReason)
	}
}

// TestSetReviewIssues verifies the issue list roundtrip.
func TestSetReviewIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "t-1", Title: "Work"})
	issues := []string{"missing tests", "typo in config key"}
	if err := s.SetReviewIssues(ctx, "t-1", issues); err != nil {
		t.Fatalf("SetReviewIssues failed: %v", err)
	}

	got, _ := s.FindTask(ctx, "t-1")
	if len(got.ReviewIssues) != 2 || got.ReviewIssues[1] != "typo in config key" {
		t.Errorf("Review issues did not survive roundtrip: %v", got.ReviewIssues)
	}
}

// TestAtMostOneLiveRun is the core run invariant: a second live run for the
// same task is rejected until the first finishes.
func TestAtMostOneLiveRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "t-1", Title: "Work"})

	if err := s.CreateRun(ctx, &task.Run{ID: "r-1", TaskID: "t-1", Agent: "claude"}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.CreateRun(ctx, &task.Run{ID: "r-2", TaskID: "t-1", Agent: "claude"}); err == nil {
		t.Fatal("Expected second live run to be rejected")
	}

	live, err := s.FindLiveRun(ctx, "t-1")
	if err != nil {
		t.Fatalf("FindLiveRun failed: %v", err)
	}
	if live.ID != "r-1" {
		t.Errorf("Expected live run r-1, got %s", live.ID)
	}

	if err := s.FinishRun(ctx, "r-1", 0, "ok", "sess-1", "opus", 0.42); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if _, err := s.FindLiveRun(ctx, "t-1"); err == nil {
		t.Error("Expected no live run after FinishRun")
	}

	// A new run is allowed once the previous one ended.
	if err := s.CreateRun(ctx, &task.Run{ID: "r-2", TaskID: "t-1", Agent: "claude"}); err != nil {
		t.Errorf("Expected new run after finish, got error: %v", err)
	}

	completed, err := s.CompletedRuns(ctx, 10)
	if err != nil {
		t.Fatalf("CompletedRuns failed: %v", err)
	}
	if len(completed) != 1 || completed[0].SessionID != "sess-1" || completed[0].CostUSD != 0.42 {
		t.Errorf("Completed run fields wrong: %+v", completed)
	}
}

// TestSetRunPIDAndSession verifies incremental run updates.
func TestSetRunPIDAndSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "t-1", Title: "Work"})
	if err := s.CreateRun(ctx, &task.Run{ID: "r-1", TaskID: "t-1", Agent: "claude"}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.SetRunPID(ctx, "r-1", 4242); err != nil {
		t.Fatalf("SetRunPID failed: %v", err)
	}
	if err := s.SetRunSession(ctx, "r-1", "sess-9"); err != nil {
		t.Fatalf("SetRunSession failed: %v", err)
	}

	live, err := s.FindLiveRun(ctx, "t-1")
	if err != nil {
		t.Fatalf("FindLiveRun failed: %v", err)
	}
	if live.PID != 4242 || live.SessionID != "sess-9" {
		t.Errorf("Expected pid=4242 session=sess-9, got pid=%d session=%s", live.PID, live.SessionID)
	}
}

// TestEpicUpsertAndMergingFlag verifies SaveEpic upsert and the global
// merging probe.
func TestEpicUpsertAndMergingFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &task.Epic{ID: "e-1", Title: "Big feature", MirrorStatus: task.MirrorPending}
	if err := s.SaveEpic(ctx, e); err != nil {
		t.Fatalf("SaveEpic failed: %v", err)
	}

	merging, err := s.AnyEpicMerging(ctx)
	if err != nil {
		t.Fatalf("AnyEpicMerging failed: %v", err)
	}
	if merging {
		t.Error("Expected no merging epics")
	}

	e.MirrorStatus = task.MirrorMerging
	e.MirrorPath = "/tmp/mirror"
	if err := s.SaveEpic(ctx, e); err != nil {
		t.Fatalf("SaveEpic upsert failed: %v", err)
	}

	got, err := s.FindEpic(ctx, "e-1")
	if err != nil {
		t.Fatalf("FindEpic failed: %v", err)
	}
	if got.MirrorStatus != task.MirrorMerging || got.MirrorPath != "/tmp/mirror" {
		t.Errorf("Upsert did not apply: %+v", got)
	}

	merging, _ = s.AnyEpicMerging(ctx)
	if !merging {
		t.Error("Expected merging flag after upsert")
	}
}

// TestReadyTasksBreakTiesByInsertion: created_at has one-second resolution,
// so a burst of same-priority tasks must still come back in creation order.
func TestReadyTasksBreakTiesByInsertion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t-3", "t-1", "t-2"} {
		mustCreate(t, s, &task.Task{ID: id, Title: "Burst " + id, Priority: 1})
	}

	ready, err := s.ReadyTasks(ctx)
	if err != nil {
		t.Fatalf("ReadyTasks failed: %v", err)
	}
	want := []string{"t-3", "t-1", "t-2"}
	if len(ready) != len(want) {
		t.Fatalf("Expected %d ready tasks, got %d", len(want), len(ready))
	}
	for i, id := range want {
		if ready[i].ID != id {
			t.Errorf("ready[%d] = %s, want %s", i, ready[i].ID, id)
		}
	}
}

// TestAddTaskLabel verifies label appends persist and repeats are no-ops.
func TestAddTaskLabel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &task.Task{ID: "t-1", Title: "Work", Labels: []string{"backend"}})

	if err := s.AddTaskLabel(ctx, "t-1", "auto-completed"); err != nil {
		t.Fatalf("AddTaskLabel failed: %v", err)
	}
	if err := s.AddTaskLabel(ctx, "t-1", "auto-completed"); err != nil {
		t.Fatalf("Repeated AddTaskLabel failed: %v", err)
	}

	got, _ := s.FindTask(ctx, "t-1")
	if len(got.Labels) != 2 || !got.HasLabel("auto-completed") || !got.HasLabel("backend") {
		t.Errorf("Labels wrong after append: %v", got.Labels)
	}

	if err := s.AddTaskLabel(ctx, "missing", "x"); err == nil {
		t.Error("Expected error labeling an unknown task")
	}
}

// TestPragmasApplied checks the connection string actually lands the WAL
// and foreign-key pragmas on pooled connections.
func TestPragmasApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var fk int
	if err := s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys query failed: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}
