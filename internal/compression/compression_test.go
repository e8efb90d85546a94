package compression

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/colonyrt/runtime/internal/eventstream"
	"github.com/colonyrt/runtime/internal/inference"
	"github.com/colonyrt/runtime/internal/store"
)

type fakeInference struct {
	fail bool
	text string
}

func (f *fakeInference) Complete(ctx context.Context, req inference.Request) (inference.Response, error) {
	if f.fail {
		return inference.Response{}, errors.New("inference unavailable")
	}
	text := f.text
	if text == "" {
		text = "summary"
	}
	return inference.Response{Text: text}, nil
}

func newTestEngine(t *testing.T, infer inference.Client) (*Engine, *store.Store, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	workspace := t.TempDir()
	es := eventstream.New(s)
	return New(s, es, infer, workspace), s, workspace
}

func TestEvaluateBelowThresholdYieldsEmptyPlanAndExecuteIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeInference{})

	plan1 := e.Evaluate("agent-1", Utilization{UtilizationPercent: 50})
	plan2 := e.Evaluate("agent-1", Utilization{UtilizationPercent: 50})
	if plan1.MaxStage != StageNone || plan2.MaxStage != StageNone {
		t.Fatalf("expected empty plans, got %v and %v", plan1.MaxStage, plan2.MaxStage)
	}

	result, err := e.Execute(context.Background(), plan1)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.CompressionRatio != 1 {
		t.Fatalf("expected compressionRatio=1 for empty plan, got %v", result.CompressionRatio)
	}
	if result.Stage != StageNone {
		t.Fatalf("expected stage none, got %v", result.Stage)
	}
}

func TestEvaluateThresholdBoundaries(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeInference{})

	cases := []struct {
		pct   float64
		stage Stage
	}{
		{71, Stage1CompactToolResults},
		{81, Stage2CompressTurns},
		{86, Stage3SummarizeBatch},
		{91, Stage4CheckpointAndReset},
		{96, Stage5EmergencyTruncate},
	}
	for _, c := range cases {
		plan := e.Evaluate("agent-1", Utilization{UtilizationPercent: c.pct})
		if plan.MaxStage != c.stage {
			t.Fatalf("evaluate(%v%%): expected max stage %v, got %v", c.pct, c.stage, plan.MaxStage)
		}
	}
}

func TestPeakUtilizationIsSticky(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeInference{})
	e.Evaluate("agent-1", Utilization{UtilizationPercent: 90})
	e.Evaluate("agent-1", Utilization{UtilizationPercent: 40})
	if e.peakUtilizationPercent != 90 {
		t.Fatalf("expected sticky peak of 90, got %v", e.peakUtilizationPercent)
	}
}

func seedInferenceEvents(t *testing.T, s *store.Store, agent string, n int, tokenCount int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.AppendEvent(context.Background(), store.StreamEvent{
			Type:         store.EventInference,
			AgentAddress: agent,
			Content:      "reasoning step that is reasonably long so token estimation is non-trivial",
			TokenCount:   tokenCount,
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
}

func TestExecuteStage3InferenceFailureFallsThroughToStage4(t *testing.T) {
	e, s, _ := newTestEngine(t, &fakeInference{fail: true})
	agent := "agent-1"
	seedInferenceEvents(t, s, agent, 15, 500)

	plan := e.Evaluate(agent, Utilization{UtilizationPercent: 86})
	if plan.MaxStage != Stage3SummarizeBatch {
		t.Fatalf("expected plan max stage 3, got %v", plan.MaxStage)
	}

	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stage != Stage4CheckpointAndReset {
		t.Fatalf("expected fall-through to stage 4, got %v", result.Stage)
	}

	errEvents, err := s.GetEventsByType(context.Background(), string(store.EventCompressionError), "")
	if err != nil {
		t.Fatalf("GetEventsByType: %v", err)
	}
	if len(errEvents) == 0 {
		t.Fatalf("expected a compression_error event")
	}
	found := false
	for _, ev := range errEvents {
		var payload map[string]any
		if err := json.Unmarshal([]byte(ev.Content), &payload); err == nil {
			if stage, ok := payload["stage"].(float64); ok && stage == 3 {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected a compression_error event with stage:3, got %+v", errEvents)
	}
}

func TestExecuteAtCheckpointThresholdWritesCheckpointFileAndReflectionEvent(t *testing.T) {
	e, s, workspace := newTestEngine(t, &fakeInference{text: "checkpoint summary"})
	agent := "agent-1"
	seedInferenceEvents(t, s, agent, 15, 500)

	plan := e.Evaluate(agent, Utilization{UtilizationPercent: 91})
	if plan.MaxStage != Stage4CheckpointAndReset {
		t.Fatalf("expected plan max stage 4, got %v", plan.MaxStage)
	}

	result, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.TotalCheckpoints != 1 {
		t.Fatalf("expected 1 checkpoint recorded, got %d", result.TotalCheckpoints)
	}

	entries, err := os.ReadDir(filepath.Join(workspace, "checkpoints"))
	if err != nil {
		t.Fatalf("ReadDir checkpoints: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one checkpoint file, got %d", len(entries))
	}

	raw, err := os.ReadFile(filepath.Join(workspace, "checkpoints", entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile checkpoint: %v", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		t.Fatalf("unmarshal checkpoint: %v", err)
	}
	if cp.AgentAddress != agent {
		t.Fatalf("expected checkpoint for %q, got %q", agent, cp.AgentAddress)
	}

	reflections, err := s.GetEventsByType(context.Background(), string(store.EventReflection), "")
	if err != nil {
		t.Fatalf("GetEventsByType: %v", err)
	}
	found := false
	for _, ev := range reflections {
		if ev.Content != "" && containsCheckpointCreated(ev.Content) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a reflection event with kind compression_checkpoint_created, got %+v", reflections)
	}
}

func containsCheckpointCreated(content string) bool {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return false
	}
	kind, _ := payload["kind"].(string)
	return kind == "compression_checkpoint_created"
}

func TestExecuteEmergencyTruncatePrunesAndEmitsWarning(t *testing.T) {
	e, s, _ := newTestEngine(t, &fakeInference{})
	agent := "agent-1"
	seedInferenceEvents(t, s, agent, 20, 500)

	plan := e.Evaluate(agent, Utilization{UtilizationPercent: 96})
	if plan.MaxStage != Stage5EmergencyTruncate {
		t.Fatalf("expected plan max stage 5, got %v", plan.MaxStage)
	}

	before, err := s.GetRecentEvents(context.Background(), agent, 1000)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}

	if _, err := e.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	after, err := s.GetRecentEvents(context.Background(), agent, 1000)
	if err != nil {
		t.Fatalf("GetRecentEvents: %v", err)
	}
	if len(after) >= len(before) {
		t.Fatalf("expected emergency truncation to reduce event count: before=%d after=%d", len(before), len(after))
	}

	warnings, err := s.GetEventsByType(context.Background(), string(store.EventCompressionWarning), "")
	if err != nil {
		t.Fatalf("GetEventsByType: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a compression_warning event")
	}
}

func TestRetainedStartPullsBackForToolCallPairs(t *testing.T) {
	events := []store.StreamEvent{
		{ID: "1", Content: `tool_call_id: abc invoked`},
		{ID: "2", Content: "unrelated"},
		{ID: "3", Content: "unrelated"},
		{ID: "4", Content: "unrelated"},
		{ID: "5", Content: `result for tool_call_id: abc`},
	}
	start := retainedStart(events, 2)
	if start != 0 {
		t.Fatalf("expected retainedStart to pull back to the first mention of a shared tool_call_id, got %d", start)
	}
}
