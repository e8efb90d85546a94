package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("COLONYRT_HOME", home)
	// No config.yaml at all: status should refuse rather than open a store.

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 before genesis", code)
	}
}

func TestRunStatusCommand_FreshStoreHasNoActiveGoals(t *testing.T) {
	home := t.TempDir()
	t.Setenv("COLONYRT_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for a fresh store", code)
	}
}
