package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TickDuration == nil {
		t.Error("TickDuration is nil")
	}
	if m.PhaseTransitions == nil {
		t.Error("PhaseTransitions is nil")
	}
	if m.TaskRetries == nil {
		t.Error("TaskRetries is nil")
	}
	if m.TaskFailures == nil {
		t.Error("TaskFailures is nil")
	}
	if m.InferenceDuration == nil {
		t.Error("InferenceDuration is nil")
	}
	if m.InferenceTokens == nil {
		t.Error("InferenceTokens is nil")
	}
	if m.CompressionRuns == nil {
		t.Error("CompressionRuns is nil")
	}
	if m.CompressionSavings == nil {
		t.Error("CompressionSavings is nil")
	}
	if m.InboxBacklog == nil {
		t.Error("InboxBacklog is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter: metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
