package store

import (
	"context"
	"fmt"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// schemaVersion gates startup: a future binary refuses to run an older
// schema silently. A single current-version constant, since this
// runtime has one shipped schema.
const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	strategy TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	expected_revenue_cents INTEGER NOT NULL DEFAULT 0,
	actual_revenue_cents INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	deadline TEXT
);
CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	goal_id TEXT NOT NULL REFERENCES goals(id),
	parent_id TEXT,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	agent_role TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	dependencies_json TEXT NOT NULL DEFAULT '[]',
	result_json TEXT,
	estimated_cost_cents INTEGER NOT NULL DEFAULT 0,
	actual_cost_cents INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 300000,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_goal ON tasks(goal_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS stream_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	agent_address TEXT NOT NULL DEFAULT '',
	goal_id TEXT,
	task_id TEXT,
	content TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	compacted_to TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_agent ON stream_events(agent_address, created_at);
CREATE INDEX IF NOT EXISTS idx_events_goal ON stream_events(goal_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type ON stream_events(type, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created ON stream_events(created_at);

CREATE TABLE IF NOT EXISTS knowledge_entries (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	content TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	access_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_verified TEXT NOT NULL,
	expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_entries(category, key);

CREATE TABLE IF NOT EXISTS inbox_messages (
	id TEXT PRIMARY KEY,
	from_addr TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	received_at TEXT NOT NULL,
	processed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_inbox_claim ON inbox_messages(status, received_at ASC);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL,
	action TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL,
	policy_version TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return colonyerr.New("store.initSchema", colonyerr.InvalidState, fmt.Errorf("apply schema: %w", err))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_meta;`).Scan(&count); err != nil {
		return colonyerr.New("store.initSchema", colonyerr.InvalidState, fmt.Errorf("read schema_meta: %w", err))
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_meta (version) VALUES (?);`, schemaVersion); err != nil {
			return colonyerr.New("store.initSchema", colonyerr.InvalidState, fmt.Errorf("seed schema_meta: %w", err))
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1;`).Scan(&version); err != nil {
		return colonyerr.New("store.initSchema", colonyerr.InvalidState, fmt.Errorf("read schema version: %w", err))
	}
	if version > schemaVersion {
		return colonyerr.New("store.initSchema", colonyerr.InvalidState,
			fmt.Errorf("database schema v%d is newer than this binary's v%d", version, schemaVersion))
	}
	return nil
}

// SchemaVersion returns the current on-disk schema version, used by the
// doctor self-check.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1;`).Scan(&version); err != nil {
		return 0, colonyerr.New("store.SchemaVersion", colonyerr.NotFound, err)
	}
	return version, nil
}
