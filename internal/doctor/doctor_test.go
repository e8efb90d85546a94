package doctor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/colonyrt/runtime/internal/config"
	"github.com/colonyrt/runtime/internal/store"
)

func TestCheckNetworkDefaultProvider(t *testing.T) {
	cfg := &config.Config{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, cfg)
	if result.Status != "PASS" && result.Status != "FAIL" {
		t.Fatalf("expected PASS or FAIL, got %s", result.Status)
	}
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
}

func TestCheckNetworkNilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetworkAnthropicProvider(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: "anthropic"}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, cfg)
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
	if result.Status == "PASS" && result.Detail == "" {
		t.Fatal("expected detail to be set on PASS")
	}
}

func TestCheckNetworkUnknownProviderFallsBackToGoogle(t *testing.T) {
	cfg := &config.Config{LLM: config.LLMConfig{Provider: "unknown_provider"}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, cfg)
	if result.Status != "PASS" && result.Status != "FAIL" {
		t.Fatalf("expected PASS or FAIL for unknown provider, got %s", result.Status)
	}
}

func TestCheckNetworkCanceledContext(t *testing.T) {
	cfg := &config.Config{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkNetwork(ctx, cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestCheckAPIKeyNilConfig(t *testing.T) {
	result := checkAPIKey(nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckAPIKeyMissingWarns(t *testing.T) {
	cfg := &config.Config{}
	t.Setenv("GOOGLE_API_KEY", "")

	result := checkAPIKey(cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when no API key is set, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckAPIKeySetPasses(t *testing.T) {
	cfg := &config.Config{}
	t.Setenv("GOOGLE_API_KEY", "test-key")

	result := checkAPIKey(cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS when GOOGLE_API_KEY set, got %s: %s", result.Status, result.Message)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCheckSchemaReportsVersionForAnOpenStore(t *testing.T) {
	s := openTestStore(t)
	result := checkSchema(context.Background(), s)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckSchemaSkipsWithoutAStore(t *testing.T) {
	result := checkSchema(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without a store, got %s", result.Status)
	}
}

func TestCheckInboxBacklogPassesWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	result := checkInboxBacklog(context.Background(), s)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for an empty inbox, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckInboxBacklogFailsOnDeadLetters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m, err := s.EnqueueInbox(ctx, store.InboxMessage{From: "a", To: "b", Content: "{}", MaxRetries: 0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimInboxMessages(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.ResolveInbox(ctx, m.ID, false); err != nil {
		t.Fatal(err)
	}

	result := checkInboxBacklog(ctx, s)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL with a dead-lettered message, got %s: %s", result.Status, result.Message)
	}
}

func TestRunCombinesEveryCheck(t *testing.T) {
	s := openTestStore(t)
	cfg := &config.Config{HomeDir: t.TempDir()}
	d := Run(context.Background(), cfg, s, "test-version")
	if len(d.Results) == 0 {
		t.Fatal("expected at least one check result")
	}
	names := map[string]bool{}
	for _, r := range d.Results {
		names[r.Name] = true
	}
	for _, want := range []string{"Config", "API Key", "Schema", "Inbox", "Permissions", "Network"} {
		if !names[want] {
			t.Fatalf("expected a %q check result, got %v", want, names)
		}
	}
}
