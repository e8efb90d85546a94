package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

const selectKnowledgeColumns = `id, category, key, content, confidence, source,
	access_count, token_count, created_at, last_verified, expires_at`

func scanKnowledge(scan func(dest ...any) error) (KnowledgeEntry, error) {
	var k KnowledgeEntry
	var createdAt, lastVerified string
	var expiresAt sql.NullString
	if err := scan(&k.ID, &k.Category, &k.Key, &k.Content, &k.Confidence, &k.Source,
		&k.AccessCount, &k.TokenCount, &createdAt, &lastVerified, &expiresAt); err != nil {
		return KnowledgeEntry{}, err
	}
	k.CreatedAt = parseTime(createdAt)
	k.LastVerified = parseTime(lastVerified)
	k.ExpiresAt = nullableTime(expiresAt)
	return k, nil
}

// PutKnowledge inserts or replaces a knowledge entry by id.
func (s *Store) PutKnowledge(ctx context.Context, k KnowledgeEntry) (KnowledgeEntry, error) {
	if k.ID == "" {
		k.ID = newID()
	}
	now := nowISO()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = parseTime(now)
	}
	if k.LastVerified.IsZero() {
		k.LastVerified = parseTime(now)
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, category, key, content, confidence, source,
			access_count, token_count, created_at, last_verified, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category=excluded.category, key=excluded.key, content=excluded.content,
			confidence=excluded.confidence, source=excluded.source,
			token_count=excluded.token_count, last_verified=excluded.last_verified,
			expires_at=excluded.expires_at;
	`, k.ID, k.Category, k.Key, k.Content, k.Confidence, k.Source,
		k.AccessCount, k.TokenCount, k.CreatedAt.UTC().Format(rfc3339),
		k.LastVerified.UTC().Format(rfc3339), timeToNullable(k.ExpiresAt))
	if err != nil {
		return KnowledgeEntry{}, colonyerr.New("store.PutKnowledge", colonyerr.ConstraintViolate, err)
	}
	return k, nil
}

// GetKnowledgeByCategory returns entries in category, most recently
// verified first, incrementing each returned entry's access count.
func (s *Store) GetKnowledgeByCategory(ctx context.Context, category string, limit int) ([]KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+selectKnowledgeColumns+` FROM knowledge_entries
		WHERE category = ? ORDER BY last_verified DESC LIMIT ?;
	`, category, limit)
	if err != nil {
		return nil, colonyerr.New("store.GetKnowledgeByCategory", colonyerr.InvalidState, err)
	}
	defer rows.Close()
	var out []KnowledgeEntry
	for rows.Next() {
		k, err := scanKnowledge(rows.Scan)
		if err != nil {
			return nil, colonyerr.New("store.GetKnowledgeByCategory", colonyerr.InvalidState, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range out {
		_, _ = s.conn(ctx).ExecContext(ctx, `UPDATE knowledge_entries SET access_count = access_count + 1 WHERE id = ?;`, k.ID)
	}
	return out, nil
}

// GetKnowledge fetches a single entry by id.
func (s *Store) GetKnowledge(ctx context.Context, id string) (KnowledgeEntry, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+selectKnowledgeColumns+` FROM knowledge_entries WHERE id = ?;`, id)
	k, err := scanKnowledge(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeEntry{}, colonyerr.New("store.GetKnowledge", colonyerr.NotFound, err)
	}
	if err != nil {
		return KnowledgeEntry{}, colonyerr.New("store.GetKnowledge", colonyerr.InvalidState, err)
	}
	return k, nil
}
