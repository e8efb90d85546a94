package main

import (
	"context"
	"os"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("COLONYRT_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), nil)
	if code == 2 {
		t.Fatalf("unexpected exit code 2 (parse error)")
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("COLONYRT_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
}

func TestRunDoctorCommand_DoubleDashJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("COLONYRT_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), []string{"--json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for --json", code)
	}
}

func TestRunDoctorCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("COLONYRT_HOME", home)
	// No config.yaml at all: triggers NeedsGenesis path.

	code := runDoctorCommand(context.Background(), nil)
	if code < 0 {
		t.Fatalf("unexpected negative exit code: %d", code)
	}
}
