// Package cron creates a new active Goal each time a configured cron
// expression fires, feeding the Orchestrator's idle→classifying
// transition exactly as a manually created goal would.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/colonyrt/runtime/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is one configured recurring goal (config.ScheduledGoalConfig).
type Schedule struct {
	Name        string
	CronExpr    string
	Title       string
	Description string
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store     *store.Store
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Schedules []Schedule
}

// Scheduler evaluates every configured Schedule on each tick and creates
// a Goal for any whose next-run time has passed.
type Scheduler struct {
	store     *store.Store
	logger    *slog.Logger
	interval  time.Duration
	schedules []Schedule

	mu      sync.Mutex
	nextRun map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler, computing each schedule's first
// next-run time relative to now.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		interval:  interval,
		schedules: cfg.Schedules,
		nextRun:   make(map[string]time.Time, len(cfg.Schedules)),
	}
	now := time.Now()
	for _, sched := range s.schedules {
		if next, err := NextRunTime(sched.CronExpr, now); err == nil {
			s.nextRun[sched.Name] = next
		} else {
			logger.Error("cron: invalid schedule expression", "schedule", sched.Name, "cron", sched.CronExpr, "error", err)
		}
	}
	return s
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", len(s.schedules))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick fires every schedule whose next-run time has passed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if next, ok := s.nextRun[sched.Name]; ok && !now.Before(next) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched Schedule, now time.Time) {
	goal, err := s.store.CreateGoal(ctx, store.Goal{
		Title:       sched.Title,
		Description: sched.Description,
		Status:      store.GoalActive,
	})
	if err != nil {
		s.logger.Error("cron: failed to create scheduled goal", "schedule", sched.Name, "error", err)
		return
	}

	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time", "schedule", sched.Name, "error", err)
		return
	}
	s.mu.Lock()
	s.nextRun[sched.Name] = next
	s.mu.Unlock()

	s.logger.Info("cron: schedule fired", "schedule", sched.Name, "goal_id", goal.ID, "next_run_at", next)
}

// NextRunTime parses cronExpr and returns its next firing time after
// "after".
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
