package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/colonyrt/runtime/internal/config"
	"github.com/colonyrt/runtime/internal/orchestrator"
	"github.com/colonyrt/runtime/internal/store"
)

const executionStateKey = "orchestrator.state"

var (
	statusHeading = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	statusLabel   = lipgloss.NewStyle().Faint(true)
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: colonyrt status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.NeedsGenesis {
		fmt.Println("no config.yaml yet; run the daemon once to bootstrap one")
		return 1
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer s.Close()

	raw, ok, err := s.GetKV(ctx, executionStateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read orchestrator state: %v\n", err)
		return 1
	}
	phase := orchestrator.PhaseIdle
	fmt.Println(statusHeading.Render("colonyrt status"))
	if ok {
		var state orchestrator.ExecutionState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			fmt.Fprintf(os.Stderr, "parse orchestrator state: %v\n", err)
			return 1
		}
		phase = state.Phase
		fmt.Printf("%s %s\n", statusLabel.Render("phase:"), phase)
		if state.GoalID != "" {
			fmt.Printf("%s %s (plan version %d)\n", statusLabel.Render("active goal:"), state.GoalID, state.PlanVersion)
		}
	} else {
		fmt.Printf("%s %s (no persisted state yet)\n", statusLabel.Render("phase:"), phase)
	}

	goals, err := s.GetActiveGoals(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list active goals: %v\n", err)
		return 1
	}
	fmt.Printf("%s %d\n", statusLabel.Render("active goals:"), len(goals))
	for _, g := range goals {
		fmt.Printf("  - %s: %s\n", g.ID, g.Title)
	}

	backlog, deadLetter, err := s.InboxStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inbox stats: %v\n", err)
		return 1
	}
	fmt.Printf("%s %d, dead-lettered: %d\n", statusLabel.Render("inbox backlog:"), backlog, deadLetter)

	return 0
}
