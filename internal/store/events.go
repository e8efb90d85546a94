package store

import (
	"context"
	"database/sql"

	"github.com/colonyrt/runtime/internal/colonyerr"
	"github.com/colonyrt/runtime/internal/tokenutil"
)

const selectEventColumns = `id, type, agent_address, goal_id, task_id, content, token_count, compacted_to, created_at`

func scanEvent(scan func(dest ...any) error) (StreamEvent, error) {
	var e StreamEvent
	var goalID, taskID, compactedTo sql.NullString
	var createdAt string
	if err := scan(&e.ID, &e.Type, &e.AgentAddress, &goalID, &taskID, &e.Content,
		&e.TokenCount, &compactedTo, &createdAt); err != nil {
		return StreamEvent{}, err
	}
	e.GoalID = goalID.String
	e.TaskID = taskID.String
	e.CompactedTo = compactedTo.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// AppendEvent inserts a StreamEvent, assigning an id and createdAt and
// filling tokenCount from content length if the caller left it zero.
// This is the Store-level primitive behind Event Stream's append.
func (s *Store) AppendEvent(ctx context.Context, e StreamEvent) (StreamEvent, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = parseTime(nowISO())
	}
	if e.TokenCount == 0 {
		e.TokenCount = tokenutil.Estimate(e.Content)
	}
	var goalID, taskID, compactedTo sql.NullString
	if e.GoalID != "" {
		goalID = sql.NullString{String: e.GoalID, Valid: true}
	}
	if e.TaskID != "" {
		taskID = sql.NullString{String: e.TaskID, Valid: true}
	}
	if e.CompactedTo != "" {
		compactedTo = sql.NullString{String: e.CompactedTo, Valid: true}
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO stream_events (id, type, agent_address, goal_id, task_id, content, token_count, compacted_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, e.ID, e.Type, e.AgentAddress, goalID, taskID, e.Content, e.TokenCount, compactedTo,
		e.CreatedAt.UTC().Format(rfc3339))
	if err != nil {
		return StreamEvent{}, colonyerr.New("store.AppendEvent", colonyerr.ConstraintViolate, err)
	}
	return e, nil
}

// GetRecentEvents returns up to limit events for agent, most recent first.
func (s *Store) GetRecentEvents(ctx context.Context, agent string, limit int) ([]StreamEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+selectEventColumns+` FROM stream_events
		WHERE agent_address = ? ORDER BY created_at DESC, id DESC LIMIT ?;
	`, agent, limit)
	if err != nil {
		return nil, colonyerr.New("store.GetRecentEvents", colonyerr.InvalidState, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByGoal returns every event tagged with goalID, oldest first.
func (s *Store) GetEventsByGoal(ctx context.Context, goalID string) ([]StreamEvent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+selectEventColumns+` FROM stream_events WHERE goal_id = ? ORDER BY created_at ASC, id ASC;
	`, goalID)
	if err != nil {
		return nil, colonyerr.New("store.GetEventsByGoal", colonyerr.InvalidState, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of the given type created at or after
// since (RFC3339), oldest first. An empty since returns all matching events.
func (s *Store) GetEventsByType(ctx context.Context, t string, since string) ([]StreamEvent, error) {
	query := `SELECT ` + selectEventColumns + ` FROM stream_events WHERE type = ?`
	args := []any{t}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC;`
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, colonyerr.New("store.GetEventsByType", colonyerr.InvalidState, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]StreamEvent, error) {
	var out []StreamEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, colonyerr.New("store.scanEvents", colonyerr.InvalidState, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEventCompactedTo rewrites compactedTo for a single event in place.
// This is the only mutation ever applied to an event after insert: the
// event's semantic identity never changes, only its textual body shrinks.
func (s *Store) SetEventCompactedTo(ctx context.Context, id, compactedTo string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `UPDATE stream_events SET compacted_to = ? WHERE id = ?;`, compactedTo, id)
	if err != nil {
		return colonyerr.New("store.SetEventCompactedTo", colonyerr.InvalidState, err)
	}
	return nil
}

// EventsOlderThanUncompacted returns every event with createdAt < olderThan
// and compactedTo = NULL, oldest first: the compaction candidate set.
func (s *Store) EventsOlderThanUncompacted(ctx context.Context, olderThan string) ([]StreamEvent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+selectEventColumns+` FROM stream_events
		WHERE created_at < ? AND compacted_to IS NULL
		ORDER BY created_at ASC, id ASC;
	`, olderThan)
	if err != nil {
		return nil, colonyerr.New("store.EventsOlderThanUncompacted", colonyerr.InvalidState, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PruneEvents hard-deletes events strictly older than boundary and
// returns the number removed.
func (s *Store) PruneEvents(ctx context.Context, boundary string) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM stream_events WHERE created_at < ?;`, boundary)
	if err != nil {
		return 0, colonyerr.New("store.PruneEvents", colonyerr.InvalidState, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteEvents hard-deletes a specific set of events by id. Used by the
// compression engine's emergency-truncate stage, which selects its prune
// set by retained-window position rather than by a time boundary.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int
	for _, id := range ids {
		res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM stream_events WHERE id = ?;`, id)
		if err != nil {
			return deleted, colonyerr.New("store.DeleteEvents", colonyerr.InvalidState, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	return deleted, nil
}
