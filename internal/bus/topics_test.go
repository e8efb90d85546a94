package bus

import "testing"

func TestTopicAgentAlert_NotEmpty(t *testing.T) {
	if TopicAgentAlert == "" {
		t.Fatal("TopicAgentAlert is empty")
	}
}

func TestAgentAlert_Severity(t *testing.T) {
	alert := AgentAlert{
		GoalID:   "goal-123",
		TaskID:   "task-456",
		Severity: "warning",
		Message:  "high token usage",
	}

	if alert.Severity == "" {
		t.Fatal("Severity must not be empty")
	}
	if alert.GoalID == "" {
		t.Fatal("GoalID must not be empty")
	}
	if alert.Message == "" {
		t.Fatal("Message must not be empty")
	}

	for _, sev := range []string{"info", "warning", "error"} {
		a := AgentAlert{Severity: sev, Message: "test"}
		if a.Severity != sev {
			t.Fatalf("Severity mismatch: got %s, want %s", a.Severity, sev)
		}
	}
}
