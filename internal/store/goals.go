package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// CreateGoal persists a new goal. Status defaults to active when empty.
func (s *Store) CreateGoal(ctx context.Context, g Goal) (Goal, error) {
	if g.Title == "" {
		return Goal{}, colonyerr.New("store.CreateGoal", colonyerr.InvalidInput, errors.New("title is required"))
	}
	if g.ID == "" {
		g.ID = newID()
	}
	if g.Status == "" {
		g.Status = GoalActive
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = parseTime(nowISO())
	}
	err := s.RunTransaction(ctx, func(ctx context.Context) error {
		_, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO goals (id, title, description, strategy, status,
				expected_revenue_cents, actual_revenue_cents, created_at, completed_at, deadline)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, g.ID, g.Title, g.Description, g.Strategy, g.Status,
			g.ExpectedRevenueCents, g.ActualRevenueCents,
			g.CreatedAt.UTC().Format(rfc3339), timeToNullable(g.CompletedAt), timeToNullable(g.Deadline))
		if err != nil {
			return colonyerr.New("store.CreateGoal", colonyerr.ConstraintViolate, err)
		}
		return nil
	})
	return g, err
}

const rfc3339 = "2006-01-02T15:04:05.999999999Z07:00"

func scanGoal(scan func(dest ...any) error) (Goal, error) {
	var g Goal
	var completedAt, deadline sql.NullString
	var createdAt string
	if err := scan(&g.ID, &g.Title, &g.Description, &g.Strategy, &g.Status,
		&g.ExpectedRevenueCents, &g.ActualRevenueCents, &createdAt, &completedAt, &deadline); err != nil {
		return Goal{}, err
	}
	g.CreatedAt = parseTime(createdAt)
	g.CompletedAt = nullableTime(completedAt)
	g.Deadline = nullableTime(deadline)
	return g, nil
}

const selectGoalColumns = `id, title, description, strategy, status,
	expected_revenue_cents, actual_revenue_cents, created_at, completed_at, deadline`

// GetGoal fetches a single goal by id.
func (s *Store) GetGoal(ctx context.Context, id string) (Goal, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+selectGoalColumns+` FROM goals WHERE id = ?;`, id)
	g, err := scanGoal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Goal{}, colonyerr.New("store.GetGoal", colonyerr.NotFound, err)
	}
	if err != nil {
		return Goal{}, colonyerr.New("store.GetGoal", colonyerr.InvalidState, err)
	}
	return g, nil
}

// GetActiveGoals returns every goal with status=active, oldest first.
func (s *Store) GetActiveGoals(ctx context.Context) ([]Goal, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+selectGoalColumns+` FROM goals WHERE status = ? ORDER BY created_at ASC;
	`, GoalActive)
	if err != nil {
		return nil, colonyerr.New("store.GetActiveGoals", colonyerr.InvalidState, err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		g, err := scanGoal(rows.Scan)
		if err != nil {
			return nil, colonyerr.New("store.GetActiveGoals", colonyerr.InvalidState, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGoalStatus sets a goal's status and, for terminal statuses, its
// completedAt timestamp. Used by the Task Graph's goal-refresh step and
// by the Orchestrator when a goal completes or fails outright.
func (s *Store) UpdateGoalStatus(ctx context.Context, id string, status GoalStatus) error {
	return s.RunTransaction(ctx, func(ctx context.Context) error {
		var completedAt sql.NullString
		if status == GoalCompleted || status == GoalFailed {
			completedAt = sql.NullString{String: nowISO(), Valid: true}
		}
		res, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE goals SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?;
		`, status, completedAt, id)
		if err != nil {
			return colonyerr.New("store.UpdateGoalStatus", colonyerr.InvalidState, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return colonyerr.New("store.UpdateGoalStatus", colonyerr.NotFound, fmt.Errorf("goal %s", id))
		}
		return nil
	})
}

// PruneCompletedGoals hard-deletes goals with status=completed whose
// completedAt predates cutoff, cascading to their tasks and events, as
// a bounded-retention sweep.
func (s *Store) PruneCompletedGoals(ctx context.Context, cutoff string) (int, error) {
	var deleted int
	err := s.RunTransaction(ctx, func(ctx context.Context) error {
		rows, err := s.conn(ctx).QueryContext(ctx, `
			SELECT id FROM goals WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?;
		`, GoalCompleted, cutoff)
		if err != nil {
			return colonyerr.New("store.PruneCompletedGoals", colonyerr.InvalidState, err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return colonyerr.New("store.PruneCompletedGoals", colonyerr.InvalidState, err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM stream_events WHERE goal_id = ?;`, id); err != nil {
				return colonyerr.New("store.PruneCompletedGoals", colonyerr.InvalidState, err)
			}
			if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM tasks WHERE goal_id = ?;`, id); err != nil {
				return colonyerr.New("store.PruneCompletedGoals", colonyerr.InvalidState, err)
			}
			if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM goals WHERE id = ?;`, id); err != nil {
				return colonyerr.New("store.PruneCompletedGoals", colonyerr.InvalidState, err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
