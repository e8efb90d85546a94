package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/colonyrt/runtime/internal/config"
	"github.com/colonyrt/runtime/internal/doctor"
	"github.com/colonyrt/runtime/internal/store"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	var s *store.Store
	if !cfg.NeedsGenesis {
		if opened, openErr := store.Open(cfg.DBPath); openErr == nil {
			s = opened
			defer s.Close()
		}
	}

	diag := doctor.Run(ctx, &cfg, s, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("colonyrt Doctor Report (%s)\n", diag.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "PASS"
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "SKIP"
		}
		fmt.Printf("[%s] %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}
