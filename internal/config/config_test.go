package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/colonyrt/runtime/internal/config"
)

func TestLoadFromColonyrtHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".colonyrt")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("bind_addr: 127.0.0.1:9999\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("COLONYRT_HOME", ic)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("expected bind_addr from file, got %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level from file, got %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(ic, "colonyrt.db") {
		t.Fatalf("expected default db path under home, got %q", cfg.DBPath)
	}
}

func TestLoadWithoutAnExistingFileNeedsGenesis(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home", ".colonyrt")
	t.Setenv("COLONYRT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis when no config.yaml exists")
	}
	if cfg.Orchestrator.ApprovalMode != "auto" {
		t.Fatalf("expected default approval mode auto, got %q", cfg.Orchestrator.ApprovalMode)
	}
	if cfg.Orchestrator.MaxReplans != 3 {
		t.Fatalf("expected default max replans 3, got %d", cfg.Orchestrator.MaxReplans)
	}
	if cfg.Telemetry.Exporter != "stdout" {
		t.Fatalf("expected default telemetry exporter stdout, got %q", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.ServiceName != "colonyrt" {
		t.Fatalf("expected default telemetry service name colonyrt, got %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Worker.Kind != "in_process" {
		t.Fatalf("expected default worker kind in_process, got %q", cfg.Worker.Kind)
	}
	if cfg.Worker.DockerImage != "golang:alpine" {
		t.Fatalf("expected default docker image golang:alpine, got %q", cfg.Worker.DockerImage)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: 127.0.0.1:1111\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COLONYRT_HOME", home)
	t.Setenv("COLONYRT_BIND_ADDR", "127.0.0.1:2222")
	t.Setenv("COLONYRT_MAX_REPLANS", "7")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:2222" {
		t.Fatalf("expected env override to win, got %q", cfg.BindAddr)
	}
	if cfg.Orchestrator.MaxReplans != 7 {
		t.Fatalf("expected env override for max replans, got %d", cfg.Orchestrator.MaxReplans)
	}
}

func TestProviderAPIKeyReadsProviderSpecificEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")
	cfg := config.Config{}
	if got := cfg.ProviderAPIKey("anthropic"); got != "sk-test-123" {
		t.Fatalf("expected ANTHROPIC_API_KEY to be picked up, got %q", got)
	}
	if got := cfg.ProviderAPIKey("google"); got != "" {
		t.Fatalf("expected no key for an unset provider, got %q", got)
	}
}

func TestFingerprintChangesWhenTunablesChange(t *testing.T) {
	a := config.Config{BindAddr: "a", LLM: config.LLMConfig{Provider: "google"}}
	b := config.Config{BindAddr: "b", LLM: config.LLMConfig{Provider: "google"}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected different bind addresses to produce different fingerprints")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("expected fingerprint to be stable for identical config")
	}
}
