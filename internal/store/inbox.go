package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

const selectInboxColumns = `id, from_addr, to_addr, content, status, retry_count, max_retries, received_at, processed_at`

func scanInbox(scan func(dest ...any) error) (InboxMessage, error) {
	var m InboxMessage
	var receivedAt string
	var processedAt sql.NullString
	if err := scan(&m.ID, &m.From, &m.To, &m.Content, &m.Status, &m.RetryCount,
		&m.MaxRetries, &receivedAt, &processedAt); err != nil {
		return InboxMessage{}, err
	}
	m.ReceivedAt = parseTime(receivedAt)
	m.ProcessedAt = nullableTime(processedAt)
	return m, nil
}

// EnqueueInbox inserts a new inbox row in status=received.
func (s *Store) EnqueueInbox(ctx context.Context, m InboxMessage) (InboxMessage, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Status == "" {
		m.Status = InboxReceived
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = 3
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = parseTime(nowISO())
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO inbox_messages (id, from_addr, to_addr, content, status, retry_count, max_retries, received_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, m.ID, m.From, m.To, m.Content, m.Status, m.RetryCount, m.MaxRetries,
		m.ReceivedAt.UTC().Format(rfc3339), timeToNullable(m.ProcessedAt))
	if err != nil {
		return InboxMessage{}, colonyerr.New("store.EnqueueInbox", colonyerr.ConstraintViolate, err)
	}
	return m, nil
}

// ClaimInboxMessages atomically reads up to n rows in FIFO order by
// receivedAt and transitions them to in_progress, all within a single
// transaction. This is the only primitive that hands out inbox messages
// for processing.
func (s *Store) ClaimInboxMessages(ctx context.Context, n int) ([]InboxMessage, error) {
	var claimed []InboxMessage
	err := s.RunTransaction(ctx, func(ctx context.Context) error {
		rows, err := s.conn(ctx).QueryContext(ctx, `
			SELECT `+selectInboxColumns+` FROM inbox_messages
			WHERE status = ? ORDER BY received_at ASC, id ASC LIMIT ?;
		`, InboxReceived, n)
		if err != nil {
			return colonyerr.New("store.ClaimInboxMessages", colonyerr.InvalidState, err)
		}
		var ids []string
		for rows.Next() {
			m, err := scanInbox(rows.Scan)
			if err != nil {
				rows.Close()
				return colonyerr.New("store.ClaimInboxMessages", colonyerr.InvalidState, err)
			}
			m.Status = InboxInProgress
			claimed = append(claimed, m)
			ids = append(ids, m.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return colonyerr.New("store.ClaimInboxMessages", colonyerr.InvalidState, err)
		}
		for _, id := range ids {
			if _, err := s.conn(ctx).ExecContext(ctx, `
				UPDATE inbox_messages SET status = ? WHERE id = ? AND status = ?;
			`, InboxInProgress, id, InboxReceived); err != nil {
				return colonyerr.New("store.ClaimInboxMessages", colonyerr.InvalidState, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// InboxStats reports the current backlog (received, awaiting a claim)
// and dead-letter (failed, retries exhausted) counts, used by the
// doctor self-check.
func (s *Store) InboxStats(ctx context.Context) (backlog int, deadLetter int, err error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM inbox_messages WHERE status = ?),
		(SELECT COUNT(*) FROM inbox_messages WHERE status = ?);
	`, InboxReceived, InboxFailed)
	if scanErr := row.Scan(&backlog, &deadLetter); scanErr != nil {
		return 0, 0, colonyerr.New("store.InboxStats", colonyerr.InvalidState, scanErr)
	}
	return backlog, deadLetter, nil
}

// ResolveInbox transitions a claimed (in_progress) message to its
// post-processing status: processed on success, received on retryable
// failure (retryCount < maxRetries), or failed on exhaustion.
func (s *Store) ResolveInbox(ctx context.Context, id string, success bool) error {
	return s.RunTransaction(ctx, func(ctx context.Context) error {
		row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+selectInboxColumns+` FROM inbox_messages WHERE id = ?;`, id)
		m, err := scanInbox(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return colonyerr.New("store.ResolveInbox", colonyerr.NotFound, fmt.Errorf("inbox %s", id))
		}
		if err != nil {
			return colonyerr.New("store.ResolveInbox", colonyerr.InvalidState, err)
		}
		if m.Status != InboxInProgress {
			return colonyerr.New("store.ResolveInbox", colonyerr.InvalidState,
				fmt.Errorf("inbox %s is %s, not in_progress", id, m.Status))
		}

		var next InboxStatus
		var processedAt sql.NullString
		retryCount := m.RetryCount
		switch {
		case success:
			next = InboxProcessed
			processedAt = sql.NullString{String: nowISO(), Valid: true}
		case m.RetryCount < m.MaxRetries:
			next = InboxReceived
			retryCount++
		default:
			next = InboxFailed
			processedAt = sql.NullString{String: nowISO(), Valid: true}
		}

		_, err = s.conn(ctx).ExecContext(ctx, `
			UPDATE inbox_messages SET status = ?, retry_count = ?, processed_at = COALESCE(?, processed_at) WHERE id = ?;
		`, next, retryCount, processedAt, id)
		if err != nil {
			return colonyerr.New("store.ResolveInbox", colonyerr.InvalidState, err)
		}
		return nil
	})
}
