// Package store is the Store component: durable relational state for
// goals, tasks, events, knowledge, inbox, and key/value data, with a
// single transaction boundary that every other core component goes
// through. Same embedded-sqlite, single-writer, WAL-mode shape as a
// task-queue store, generalized to the goal/task DAG schema this
// runtime needs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// Store owns the sqlite database and is the sole shared mutable resource
// in the runtime. All reads and writes from every other
// component pass through it.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the sqlite database at path and ensures the
// schema is current. An empty path uses DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, colonyerr.New("store.Open", colonyerr.InvalidInput, fmt.Errorf("create db directory: %w", err))
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, colonyerr.New("store.Open", colonyerr.InvalidState, fmt.Errorf("open sqlite3: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DefaultDBPath is the conventional on-disk location for the runtime's
// sqlite file: ~/.colonyrt/runtime.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".colonyrt", "runtime.db")
}

// DB exposes the underlying *sql.DB for components (cron, doctor) that
// need raw access for maintenance queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return colonyerr.New("store.configurePragmas", colonyerr.InvalidState, fmt.Errorf("set pragma %q: %w", q, err))
		}
	}
	return nil
}

// txKey is the context key under which RunTransaction stashes the active
// *sql.Tx so nested calls compose into the outermost transaction instead
// of deadlocking on the single-writer connection.
type txKey struct{}

// RunTransaction runs f atomically: either every write f performs through
// this Store becomes visible, or none does. A RunTransaction call nested
// inside another (same goroutine, same ctx lineage) reuses the outer
// transaction rather than opening a second one.
func (s *Store) RunTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return f(ctx)
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTransactionOnce(ctx, f)
		if err == nil || !isSQLiteBusy(err) || attempt >= 5 {
			return err
		}
		if sleepErr := busyBackoff(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
}

func (s *Store) runTransactionOnce(ctx context.Context, f func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return colonyerr.New("store.RunTransaction", colonyerr.InvalidState, fmt.Errorf("begin: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := f(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return colonyerr.New("store.RunTransaction", colonyerr.InvalidState, fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// busyBackoff waits a short, jittered delay before retrying a BUSY/LOCKED
// transaction.
func busyBackoff(ctx context.Context, attempt int) error {
	base := 50 * time.Millisecond
	delay := base << uint(attempt)
	if delay > 500*time.Millisecond {
		delay = 500 * time.Millisecond
	}
	jitter := time.Duration(rand.IntN(int(delay/2) + 1))
	delay = delay - delay/4 + jitter
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// execer and queryer are satisfied by both *sql.DB and *sql.Tx, letting
// every query helper below run either standalone or inside a
// RunTransaction-managed transaction transparently.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func newID() string { return uuid.NewString() }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func timeToNullable(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
