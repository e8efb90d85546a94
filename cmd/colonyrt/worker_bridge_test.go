package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/colonyrt/runtime/internal/eventstream"
	"github.com/colonyrt/runtime/internal/messaging"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func openBridgeTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHybridTransportRoutesLocalAddressesThroughDeliver(t *testing.T) {
	s := openBridgeTestStore(t)
	events := eventstream.New(s)
	transport := &hybridTransport{selfAddress: "orchestrator"}
	messenger := messaging.New(s, events, transport)
	transport.messenger = messenger

	if err := messenger.Send(context.Background(), messaging.Envelope{
		Type: messaging.StatusReport, From: "worker-1", To: "orchestrator",
		Content: "hello", Priority: messaging.PriorityNormal,
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	backlog, _, err := s.InboxStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if backlog != 1 {
		t.Fatalf("expected 1 inbox message delivered locally, got %d", backlog)
	}
}

func TestSpawnAgentReportsResultBackThroughMessaging(t *testing.T) {
	s := openBridgeTestStore(t)
	events := eventstream.New(s)
	transport := &hybridTransport{selfAddress: "orchestrator"}
	messenger := messaging.New(s, events, transport)
	transport.messenger = messenger

	executor := worker.NewInProcess(func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		return worker.Result{Success: true, Output: "done: " + a.Title}, nil
	})

	spawn := newSpawnAgent(executor, messenger, "orchestrator", testLogger())

	task := store.Task{ID: "task-1", GoalID: "goal-1", Title: "do the thing", AgentRole: "generalist"}
	rec, err := spawn(context.Background(), task)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !rec.Local {
		t.Fatal("expected spawned agent record to be marked local")
	}
	if rec.Address == "" {
		t.Fatal("expected a non-empty spawned address")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		backlog, _, err := s.InboxStats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if backlog > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected task_result to be delivered to the inbox within the deadline")
}
