package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// PutKV writes key=value using INSERT OR REPLACE with a fresh timestamp,
// the mechanism the Orchestrator uses to persist ExecutionState at the
// end of every tick.
func (s *Store) PutKV(ctx context.Context, key, value string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
	`, key, value, nowISO())
	if err != nil {
		return colonyerr.New("store.PutKV", colonyerr.InvalidState, err)
	}
	return nil
}

// GetKV reads a single key, returning ("", false, nil) if absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, colonyerr.New("store.GetKV", colonyerr.InvalidState, err)
	}
	return value, true, nil
}

// DeleteKV removes a key; deleting an absent key is a no-op.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key); err != nil {
		return colonyerr.New("store.DeleteKV", colonyerr.InvalidState, err)
	}
	return nil
}
