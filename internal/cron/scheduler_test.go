package cron_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/colonyrt/runtime/internal/cron"
	"github.com/colonyrt/runtime/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTickFiresDueScheduleAndCreatesActiveGoal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sched := cron.NewScheduler(cron.Config{
		Store: s,
		Schedules: []cron.Schedule{
			{Name: "daily-check", CronExpr: "* * * * *", Title: "check inventory", Description: "daily inventory sweep"},
		},
	})

	now := time.Now()
	sched.Tick(ctx, now.Add(2*time.Minute))

	goals, err := s.GetActiveGoals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) != 1 {
		t.Fatalf("expected 1 goal created by the fired schedule, got %d", len(goals))
	}
	if goals[0].Title != "check inventory" {
		t.Fatalf("expected goal title from schedule, got %q", goals[0].Title)
	}
}

func TestTickDoesNotFireBeforeNextRunTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sched := cron.NewScheduler(cron.Config{
		Store: s,
		Schedules: []cron.Schedule{
			// Only fires at minute 0 of each hour: far from "now" in the test.
			{Name: "hourly", CronExpr: "0 * * * *", Title: "hourly goal"},
		},
	})

	now := time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)
	sched.Tick(ctx, now)

	goals, err := s.GetActiveGoals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(goals) != 0 {
		t.Fatalf("expected no goal before the schedule's next run, got %d", len(goals))
	}
}

func TestNextRunTimeParsesStandardFiveFieldExpression(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 12 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if next.Hour() != 12 || next.Minute() != 0 {
		t.Fatalf("expected next run at 12:00, got %v", next)
	}
}
