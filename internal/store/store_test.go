package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetGoal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g, err := s.CreateGoal(ctx, Goal{Title: "launch widget", Description: "ship it"})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	if g.Status != GoalActive {
		t.Fatalf("expected default status active, got %s", g.Status)
	}

	got, err := s.GetGoal(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if got.Title != "launch widget" {
		t.Fatalf("unexpected title: %s", got.Title)
	}
}

func TestGetActiveGoals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateGoal(ctx, Goal{Title: "a"})
	_, _ = s.CreateGoal(ctx, Goal{Title: "b", Status: GoalPaused})

	active, err := s.GetActiveGoals(ctx)
	if err != nil {
		t.Fatalf("GetActiveGoals: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("expected only goal a active, got %+v", active)
	}
}

func TestUpdateGoalStatusSetsCompletedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g, _ := s.CreateGoal(ctx, Goal{Title: "a"})

	if err := s.UpdateGoalStatus(ctx, g.ID, GoalCompleted); err != nil {
		t.Fatalf("UpdateGoalStatus: %v", err)
	}
	got, err := s.GetGoal(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if got.Status != GoalCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", got)
	}
}

func TestTaskInsertAndReadiness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g, _ := s.CreateGoal(ctx, Goal{Title: "g"})

	base := Task{GoalID: g.ID, Title: "root", Status: TaskPending, MaxRetries: 1, TimeoutMs: 1000}
	if err := s.InsertTask(ctx, base); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	ready, err := s.GetReadyTasks(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetReadyTasks: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready task, got %d", len(ready))
	}
}

func TestPromoteReadyTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g, _ := s.CreateGoal(ctx, Goal{Title: "g"})

	root := Task{ID: "root", GoalID: g.ID, Title: "root", Status: TaskCompleted}
	if err := s.InsertTask(ctx, root); err != nil {
		t.Fatal(err)
	}
	dep := Task{ID: "dep", GoalID: g.ID, Title: "dep", Status: TaskBlocked, Dependencies: []string{"root"}}
	if err := s.InsertTask(ctx, dep); err != nil {
		t.Fatal(err)
	}

	n, err := s.PromoteReadyTasks(ctx, g.ID)
	if err != nil {
		t.Fatalf("PromoteReadyTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}

	got, err := s.GetTask(ctx, "dep")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskPending {
		t.Fatalf("expected dep pending, got %s", got.Status)
	}
}

func TestBlockDownstream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g, _ := s.CreateGoal(ctx, Goal{Title: "g"})

	root := Task{ID: "root", GoalID: g.ID, Title: "root", Status: TaskFailed}
	_ = s.InsertTask(ctx, root)
	dep := Task{ID: "dep", GoalID: g.ID, Title: "dep", Status: TaskPending, Dependencies: []string{"root"}}
	_ = s.InsertTask(ctx, dep)

	n, err := s.BlockDownstream(ctx, g.ID, "root")
	if err != nil {
		t.Fatalf("BlockDownstream: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 blocked, got %d", n)
	}
	got, _ := s.GetTask(ctx, "dep")
	if got.Status != TaskBlocked {
		t.Fatalf("expected dep blocked, got %s", got.Status)
	}
}

func TestRunTransactionNestedComposition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(ctx context.Context) error {
		g, err := s.CreateGoal(ctx, Goal{Title: "outer"})
		if err != nil {
			return err
		}
		return s.RunTransaction(ctx, func(ctx context.Context) error {
			return s.UpdateGoalStatus(ctx, g.ID, GoalPaused)
		})
	})
	if err != nil {
		t.Fatalf("nested RunTransaction: %v", err)
	}
}

func TestRunTransactionRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var goalID string
	_ = s.RunTransaction(ctx, func(ctx context.Context) error {
		g, err := s.CreateGoal(ctx, Goal{Title: "rollback-me"})
		if err != nil {
			return err
		}
		goalID = g.ID
		return context.DeadlineExceeded // any error aborts the transaction
	})

	if _, err := s.GetGoal(ctx, goalID); err == nil {
		t.Fatalf("expected goal to not exist after rolled-back transaction")
	}
}

func TestInboxClaimProtocol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.EnqueueInbox(ctx, InboxMessage{From: "a", To: "b", Content: "hi"})
	if err != nil {
		t.Fatalf("EnqueueInbox: %v", err)
	}

	claimed, err := s.ClaimInboxMessages(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimInboxMessages: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != m.ID {
		t.Fatalf("expected to claim the enqueued message, got %+v", claimed)
	}

	// A second claim attempt finds nothing: the row is already in_progress.
	again, err := s.ClaimInboxMessages(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimInboxMessages (again): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no messages left to claim, got %d", len(again))
	}

	if err := s.ResolveInbox(ctx, m.ID, true); err != nil {
		t.Fatalf("ResolveInbox: %v", err)
	}
}

func TestKV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetKV(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key to be absent, got ok=%v err=%v", ok, err)
	}
	if err := s.PutKV(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.PutKV(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetKV(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("expected v2, got v=%q ok=%v err=%v", v, ok, err)
	}
}
