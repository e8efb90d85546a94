package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

const selectTaskColumns = `id, goal_id, parent_id, title, description, status, assigned_to,
	agent_role, priority, dependencies_json, result_json, estimated_cost_cents,
	actual_cost_cents, max_retries, retry_count, timeout_ms, created_at, started_at, completed_at`

func scanTask(scan func(dest ...any) error) (Task, error) {
	var t Task
	var parentID, assignedTo, resultJSON sql.NullString
	var depsJSON string
	var createdAt string
	var startedAt, completedAt sql.NullString
	if err := scan(&t.ID, &t.GoalID, &parentID, &t.Title, &t.Description, &t.Status,
		&assignedTo, &t.AgentRole, &t.Priority, &depsJSON, &resultJSON,
		&t.EstimatedCostCents, &t.ActualCostCents, &t.MaxRetries, &t.RetryCount,
		&t.TimeoutMs, &createdAt, &startedAt, &completedAt); err != nil {
		return Task{}, err
	}
	t.ParentID = parentID.String
	t.AssignedTo = assignedTo.String
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = nullableTime(startedAt)
	t.CompletedAt = nullableTime(completedAt)
	if depsJSON != "" {
		_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var r TaskResult
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err == nil {
			t.Result = &r
		}
	}
	return t, nil
}

// InsertTask persists a new task row exactly as given; the caller
// (internal/taskgraph) is responsible for computing the initial status
// and resolving dependency aliases before calling this.
func (s *Store) InsertTask(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	depsJSON, err := json.Marshal(t.Dependencies)
	if err != nil {
		return colonyerr.New("store.InsertTask", colonyerr.InvalidInput, err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = parseTime(nowISO())
	}
	var resultJSON sql.NullString
	if t.Result != nil {
		b, _ := json.Marshal(t.Result)
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	var parentID sql.NullString
	if t.ParentID != "" {
		parentID = sql.NullString{String: t.ParentID, Valid: true}
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO tasks (id, goal_id, parent_id, title, description, status, assigned_to,
			agent_role, priority, dependencies_json, result_json, estimated_cost_cents,
			actual_cost_cents, max_retries, retry_count, timeout_ms, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.GoalID, parentID, t.Title, t.Description, t.Status, t.AssignedTo,
		t.AgentRole, t.Priority, string(depsJSON), resultJSON, t.EstimatedCostCents,
		t.ActualCostCents, t.MaxRetries, t.RetryCount, t.TimeoutMs,
		t.CreatedAt.UTC().Format(rfc3339), timeToNullable(t.StartedAt), timeToNullable(t.CompletedAt))
	if err != nil {
		return colonyerr.New("store.InsertTask", colonyerr.ConstraintViolate, err)
	}
	return nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+selectTaskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, colonyerr.New("store.GetTask", colonyerr.NotFound, err)
	}
	if err != nil {
		return Task{}, colonyerr.New("store.GetTask", colonyerr.InvalidState, err)
	}
	return t, nil
}

// GetTasksByGoal returns every task belonging to goalID, created-at order.
func (s *Store) GetTasksByGoal(ctx context.Context, goalID string) ([]Task, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+selectTaskColumns+` FROM tasks WHERE goal_id = ? ORDER BY created_at ASC;
	`, goalID)
	if err != nil {
		return nil, colonyerr.New("store.GetTasksByGoal", colonyerr.InvalidState, err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, colonyerr.New("store.GetTasksByGoal", colonyerr.InvalidState, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetReadyTasks returns tasks with status=pending, ordered by priority
// descending then created_at ascending, optionally scoped to one goal.
func (s *Store) GetReadyTasks(ctx context.Context, goalID string) ([]Task, error) {
	query := `SELECT ` + selectTaskColumns + ` FROM tasks WHERE status = ?`
	args := []any{TaskPending}
	if goalID != "" {
		query += ` AND goal_id = ?`
		args = append(args, goalID)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC;`

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, colonyerr.New("store.GetReadyTasks", colonyerr.InvalidState, err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, colonyerr.New("store.GetReadyTasks", colonyerr.InvalidState, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask overwrites the mutable fields of a task row in place. Used
// by internal/taskgraph as the single primitive every status transition
// goes through, so every transition is visible to readiness propagation
// within the same RunTransaction.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	depsJSON, err := json.Marshal(t.Dependencies)
	if err != nil {
		return colonyerr.New("store.UpdateTask", colonyerr.InvalidInput, err)
	}
	var resultJSON sql.NullString
	if t.Result != nil {
		b, _ := json.Marshal(t.Result)
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, assigned_to = ?, priority = ?, dependencies_json = ?,
			result_json = ?, estimated_cost_cents = ?, actual_cost_cents = ?,
			max_retries = ?, retry_count = ?, timeout_ms = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?;
	`, t.Status, t.AssignedTo, t.Priority, string(depsJSON), resultJSON,
		t.EstimatedCostCents, t.ActualCostCents, t.MaxRetries, t.RetryCount, t.TimeoutMs,
		timeToNullable(t.StartedAt), timeToNullable(t.CompletedAt), t.ID)
	if err != nil {
		return colonyerr.New("store.UpdateTask", colonyerr.InvalidState, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return colonyerr.New("store.UpdateTask", colonyerr.NotFound, fmt.Errorf("task %s", t.ID))
	}
	return nil
}

// PromoteReadyTasks is the hot-path readiness propagation:
// a single SQL update that promotes every blocked task in goalID whose
// dependencies are all completed to pending. Must run inside the same
// transaction as the status change that triggered it. Returns the
// number of rows promoted.
func (s *Store) PromoteReadyTasks(ctx context.Context, goalID string) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE goal_id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM json_each(tasks.dependencies_json) dep
			JOIN tasks dt ON dt.id = dep.value
			WHERE dt.status != ?
		);
	`, TaskPending, goalID, TaskBlocked, TaskCompleted)
	if err != nil {
		return 0, colonyerr.New("store.PromoteReadyTasks", colonyerr.InvalidState, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BlockDownstream sets every task in goalID currently in
// {pending, assigned, running} whose dependency list contains failedID
// to blocked. Must run in the same transaction as the failure that
// triggered it.
func (s *Store) BlockDownstream(ctx context.Context, goalID, failedID string) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE goal_id = ? AND status IN (?, ?, ?)
		AND EXISTS (
			SELECT 1 FROM json_each(tasks.dependencies_json) dep WHERE dep.value = ?
		);
	`, TaskBlocked, goalID, TaskPending, TaskAssigned, TaskRunning, failedID)
	if err != nil {
		return 0, colonyerr.New("store.BlockDownstream", colonyerr.InvalidState, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GoalTaskCounts reports total/completed/failed task counts for a goal,
// the inputs to the goal-refresh reduction.
type GoalTaskCounts struct {
	Total     int
	Completed int
	Failed    int
}

func (s *Store) GoalTaskCounts(ctx context.Context, goalID string) (GoalTaskCounts, error) {
	var c GoalTaskCounts
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(1),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM tasks WHERE goal_id = ?;
	`, TaskCompleted, TaskFailed, goalID)
	var completed, failed sql.NullInt64
	if err := row.Scan(&c.Total, &completed, &failed); err != nil {
		return GoalTaskCounts{}, colonyerr.New("store.GoalTaskCounts", colonyerr.InvalidState, err)
	}
	c.Completed = int(completed.Int64)
	c.Failed = int(failed.Int64)
	return c, nil
}
