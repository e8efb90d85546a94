package taskgraph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/store"
)

func newTestGraph(t *testing.T) (*Graph, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func mustGoal(t *testing.T, s *store.Store) store.Goal {
	t.Helper()
	g, err := s.CreateGoal(context.Background(), store.Goal{Title: "g"})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	return g
}

func TestDecomposeGoalResolvesAliasesAndComputesReadiness(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	goal := mustGoal(t, s)

	tasks, err := g.DecomposeGoal(ctx, goal.ID, []TaskSpec{
		{Title: "collect data"},
		{Title: "analyze", Dependencies: []string{"#0"}},
		{Title: "report", Dependencies: []string{"task-2"}},
	})
	if err != nil {
		t.Fatalf("DecomposeGoal: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	byTitle := make(map[string]store.Task)
	for _, ts := range tasks {
		byTitle[ts.Title] = ts
	}
	if byTitle["collect data"].Status != store.TaskPending {
		t.Fatalf("expected root task pending, got %s", byTitle["collect data"].Status)
	}
	if byTitle["analyze"].Status != store.TaskBlocked {
		t.Fatalf("expected dependent task blocked, got %s", byTitle["analyze"].Status)
	}
	if byTitle["report"].Status != store.TaskBlocked {
		t.Fatalf("expected transitively dependent task blocked, got %s", byTitle["report"].Status)
	}
	if len(byTitle["analyze"].Dependencies) != 1 || byTitle["analyze"].Dependencies[0] != byTitle["collect data"].ID {
		t.Fatalf("expected analyze to depend on resolved collect-data id, got %+v", byTitle["analyze"].Dependencies)
	}
	if len(byTitle["report"].Dependencies) != 1 || byTitle["report"].Dependencies[0] != byTitle["analyze"].ID {
		t.Fatalf("expected report to depend on resolved analyze id, got %+v", byTitle["report"].Dependencies)
	}
}

func TestDecomposeGoalRejectsDirectCycle(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	goal := mustGoal(t, s)

	_, err := g.DecomposeGoal(ctx, goal.ID, []TaskSpec{
		{ID: "a", Title: "a", Dependencies: []string{"b"}},
		{ID: "b", Title: "b", Dependencies: []string{"a"}},
	})
	if !colonyerr.Is(err, colonyerr.CycleDetected) {
		t.Fatalf("expected CycleDetected, got %v", err)
	}

	// The aborted transaction must leave no partial tasks behind.
	remaining, _ := s.GetTasksByGoal(ctx, goal.ID)
	if len(remaining) != 0 {
		t.Fatalf("expected no tasks persisted after rejected cycle, got %d", len(remaining))
	}
}

func TestDecomposeGoalAgainstExistingTaskCycle(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	goal := mustGoal(t, s)

	existing, err := g.DecomposeGoal(ctx, goal.ID, []TaskSpec{{Title: "root"}})
	if err != nil {
		t.Fatalf("DecomposeGoal (seed): %v", err)
	}
	rootID := existing[0].ID

	// New task "child" depends on root, then we try to make root depend on
	// child via a second decomposition batch: introduces a cross-batch cycle.
	_, err = g.DecomposeGoal(ctx, goal.ID, []TaskSpec{
		{ID: rootID, Title: "root", Dependencies: []string{"#1"}, RequestedStatus: store.TaskPending},
		{Title: "child", Dependencies: []string{rootID}},
	})
	if !colonyerr.Is(err, colonyerr.CycleDetected) {
		t.Fatalf("expected CycleDetected, got %v", err)
	}
}

func TestCompleteTaskPromotesDownstreamAndCompletesGoal(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	goal := mustGoal(t, s)

	tasks, err := g.DecomposeGoal(ctx, goal.ID, []TaskSpec{
		{Title: "root"},
		{Title: "leaf", Dependencies: []string{"#0"}},
	})
	if err != nil {
		t.Fatalf("DecomposeGoal: %v", err)
	}
	var rootID, leafID string
	for _, ts := range tasks {
		if ts.Title == "root" {
			rootID = ts.ID
		} else {
			leafID = ts.ID
		}
	}

	if err := g.AssignTask(ctx, rootID, "agent-1"); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if err := g.CompleteTask(ctx, rootID, store.TaskResult{Success: true, Output: "done"}); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	leaf, err := s.GetTask(ctx, leafID)
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Status != store.TaskPending {
		t.Fatalf("expected leaf promoted to pending, got %s", leaf.Status)
	}

	if err := g.AssignTask(ctx, leafID, "agent-1"); err != nil {
		t.Fatalf("AssignTask leaf: %v", err)
	}
	if err := g.CompleteTask(ctx, leafID, store.TaskResult{Success: true}); err != nil {
		t.Fatalf("CompleteTask leaf: %v", err)
	}

	gotGoal, err := s.GetGoal(ctx, goal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotGoal.Status != store.GoalCompleted {
		t.Fatalf("expected goal completed, got %s", gotGoal.Status)
	}
}

func TestFailTaskRetriesThenTerminatesAndBlocksDownstream(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	goal := mustGoal(t, s)

	tasks, err := g.DecomposeGoal(ctx, goal.ID, []TaskSpec{
		{Title: "flaky", MaxRetries: 3},
		{Title: "downstream", Dependencies: []string{"#0"}},
	})
	if err != nil {
		t.Fatalf("DecomposeGoal: %v", err)
	}
	var flakyID, downstreamID string
	for _, ts := range tasks {
		if ts.Title == "flaky" {
			flakyID = ts.ID
		} else {
			downstreamID = ts.ID
		}
	}

	for i := 0; i < 3; i++ {
		if err := g.AssignTask(ctx, flakyID, "agent-1"); err != nil {
			t.Fatalf("AssignTask attempt %d: %v", i, err)
		}
		if err := g.FailTask(ctx, flakyID, "boom", true); err != nil {
			t.Fatalf("FailTask retry attempt %d: %v", i, err)
		}
		got, err := s.GetTask(ctx, flakyID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != store.TaskPending {
			t.Fatalf("attempt %d: expected task back to pending for retry, got %s", i, got.Status)
		}
	}

	// 4th failure exceeds MaxRetries=3 (3 retries already consumed): terminal.
	if err := g.AssignTask(ctx, flakyID, "agent-1"); err != nil {
		t.Fatalf("AssignTask final: %v", err)
	}
	if err := g.FailTask(ctx, flakyID, "boom again", true); err != nil {
		t.Fatalf("FailTask final: %v", err)
	}
	final, err := s.GetTask(ctx, flakyID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != store.TaskFailed {
		t.Fatalf("expected terminal failed after exhausting retries, got %s", final.Status)
	}

	downstream, err := s.GetTask(ctx, downstreamID)
	if err != nil {
		t.Fatal(err)
	}
	if downstream.Status != store.TaskBlocked {
		t.Fatalf("expected downstream blocked after permanent failure, got %s", downstream.Status)
	}

	gotGoal, err := s.GetGoal(ctx, goal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotGoal.Status != store.GoalFailed {
		t.Fatalf("expected goal failed, got %s", gotGoal.Status)
	}
}

func TestGetGoalProgress(t *testing.T) {
	g, s := newTestGraph(t)
	ctx := context.Background()
	goal := mustGoal(t, s)

	tasks, err := g.DecomposeGoal(ctx, goal.ID, []TaskSpec{{Title: "only"}})
	if err != nil {
		t.Fatalf("DecomposeGoal: %v", err)
	}
	progress, err := g.GetGoalProgress(ctx, goal.ID)
	if err != nil {
		t.Fatalf("GetGoalProgress: %v", err)
	}
	if progress.Total != 1 || progress.Completed != 0 || progress.AllDone {
		t.Fatalf("unexpected progress before completion: %+v", progress)
	}

	if err := g.AssignTask(ctx, tasks[0].ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := g.CompleteTask(ctx, tasks[0].ID, store.TaskResult{Success: true}); err != nil {
		t.Fatal(err)
	}
	progress, err = g.GetGoalProgress(ctx, goal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !progress.AllDone {
		t.Fatalf("expected AllDone after completing the only task, got %+v", progress)
	}
}
