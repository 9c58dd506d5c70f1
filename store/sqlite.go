package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/teambrain/memorybridge/logging"
	"github.com/teambrain/memorybridge/scope"
)

// timeLayout is ISO-8601 with fixed-width microseconds so the TEXT
// timestamp columns sort chronologically under plain string comparison.
// Writes always use it; reads accept any RFC3339 fraction precision, so
// rows stamped by other tooling still load.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const (
	busyBaseDelay = 25 * time.Millisecond
	busyAttempts  = 4
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	key              TEXT PRIMARY KEY,
	value_payload    TEXT NOT NULL,
	value_kind       TEXT NOT NULL,
	scope            TEXT NOT NULL,
	owner            TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0,
	metadata_payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope);
CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner);
CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);`

const recordColumns = "key, value_payload, value_kind, scope, owner, created_at, updated_at, access_count, metadata_payload"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
	log  logging.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger attaches a logger. The default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(s *SQLiteStore) { s.log = l }
}

// NewSQLiteStore opens (or creates) a SQLite-backed store. The parent
// directory is created if missing. Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir %q: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection per handle: serializes this process's statements and
	// keeps ":memory:" databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	// WAL keeps readers off the writers' backs; busy_timeout is the first
	// line of defense against cross-process lock contention.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, log: logging.NoOp()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the database location this store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

// Upsert stores or overwrites a record.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if !rec.Scope.Valid() {
		return fmt.Errorf("%w: %q", scope.ErrInvalidScope, rec.Scope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	var meta *string
	if len(rec.Metadata) > 0 {
		m := string(rec.Metadata)
		meta = &m
	}

	return s.withBusyRetry(ctx, "upsert", rec.Key, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(key) DO UPDATE SET
				value_payload = excluded.value_payload,
				value_kind = excluded.value_kind,
				metadata_payload = excluded.metadata_payload,
				updated_at = excluded.updated_at`,
			rec.Key, rec.Value, rec.Kind, string(rec.Scope), rec.Owner, now, now, meta,
		)
		if err != nil {
			return fmt.Errorf("upsert %q: %w", rec.Key, err)
		}
		return nil
	})
}

// Get retrieves a record by key without touching its access count.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec *Record
	err := s.withBusyRetry(ctx, "get", key, func() error {
		r, err := fetchRecord(ctx, s.db, key)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ReadAndTouch fetches a record and bumps its access count in one
// transaction. The increment happens inside SQL, so concurrent readers of
// the same key never lose updates.
func (s *SQLiteStore) ReadAndTouch(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *Record
	err := s.withBusyRetry(ctx, "read_and_touch", key, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin read_and_touch %q: %w", key, err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			"UPDATE memories SET access_count = access_count + 1 WHERE key = ?", key)
		if err != nil {
			return fmt.Errorf("touch %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("touch %q: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, key)
		}

		r, err := fetchRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit read_and_touch %q: %w", key, err)
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Scan returns records matching the filter, most recently updated first.
func (s *SQLiteStore) Scan(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + recordColumns + " FROM memories"
	var conds []string
	var args []any
	if f.Scope != "" {
		conds = append(conds, "scope = ?")
		args = append(args, string(f.Scope))
	}
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	var recs []Record
	err := s.withBusyRetry(ctx, "scan", "", func() error {
		recs = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Search returns records whose key, value or metadata contain substr,
// case-insensitively. An empty scope searches everything.
func (s *SQLiteStore) Search(ctx context.Context, substr string, sc scope.Scope) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := "%" + escapeLike(strings.ToLower(substr)) + "%"
	query := "SELECT " + recordColumns + ` FROM memories
		WHERE (lower(key) LIKE ? ESCAPE '\'
			OR lower(value_payload) LIKE ? ESCAPE '\'
			OR lower(COALESCE(metadata_payload, '')) LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern, pattern}
	if sc != "" {
		query += " AND scope = ?"
		args = append(args, string(sc))
	}
	query += " ORDER BY updated_at DESC"

	var recs []Record
	err := s.withBusyRetry(ctx, "search", substr, func() error {
		recs = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("search %q: %w", substr, err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete removes a record by key and reports whether a row was removed.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed bool
	err := s.withBusyRetry(ctx, "delete", key, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE key = ?", key)
		if err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// ClearOwner removes every agent-scoped record belonging to owner.
func (s *SQLiteStore) ClearOwner(ctx context.Context, owner string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	err := s.withBusyRetry(ctx, "clear_owner", owner, func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM memories WHERE scope = ? AND owner = ?",
			string(scope.Agent), owner)
		if err != nil {
			return fmt.Errorf("clear owner %q: %w", owner, err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("clear owner %q: %w", owner, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Stats aggregates the whole table inside a single read transaction so the
// counts are mutually consistent even under concurrent writers.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats *Stats
	err := s.withBusyRetry(ctx, "stats", "", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stats: %w", err)
		}
		defer tx.Rollback()

		st := &Stats{
			ByScope: make(map[scope.Scope]int64),
			ByOwner: make(map[string]int64),
		}

		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&st.Total); err != nil {
			return fmt.Errorf("stats total: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(access_count), 0) FROM memories").Scan(&st.TotalAccesses); err != nil {
			return fmt.Errorf("stats accesses: %w", err)
		}

		byScope, err := groupCounts(ctx, tx, "SELECT scope, COUNT(*) FROM memories GROUP BY scope")
		if err != nil {
			return fmt.Errorf("stats by scope: %w", err)
		}
		for k, v := range byScope {
			st.ByScope[scope.Scope(k)] = v
		}

		st.ByOwner, err = groupCounts(ctx, tx, "SELECT owner, COUNT(*) FROM memories GROUP BY owner")
		if err != nil {
			return fmt.Errorf("stats by owner: %w", err)
		}

		if st.Total > 0 {
			row := tx.QueryRowContext(ctx, "SELECT "+recordColumns+
				" FROM memories ORDER BY access_count DESC, updated_at DESC LIMIT 1")
			top, err := scanRecord(row)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("stats most accessed: %w", err)
			}
			st.MostAccessed = top
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit stats: %w", err)
		}
		stats = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// withBusyRetry runs fn, retrying lock-contention failures with Fibonacci
// backoff. Anything else returns immediately. When the attempt budget is
// spent the caller sees ErrStoreBusy.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op, key string, fn func() error) error {
	backoff := retry.WithMaxRetries(busyAttempts, retry.NewFibonacci(busyBaseDelay))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(); err != nil {
			if isBusy(err) {
				attempt++
				s.log.Debug("store busy, retrying", "op", op, "key", key, "attempt", attempt)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && isBusy(err) {
		s.log.Warn("store busy, giving up", "op", op, "key", key, "attempts", attempt)
		return fmt.Errorf("%w: %s %q: %v", ErrStoreBusy, op, key, err)
	}
	return err
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// escapeLike neutralizes LIKE wildcards so substr matches literally.
func escapeLike(substr string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(substr)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func fetchRecord(ctx context.Context, q rowQuerier, key string) (*Record, error) {
	row := q.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM memories WHERE key = ?", key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return rec, nil
}

// groupCounts runs a two-column GROUP BY query and folds it into a map.
func groupCounts(ctx context.Context, tx *sql.Tx, query string) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		counts[k] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row in recordColumns order.
func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var sc string
	var createdAt, updatedAt string
	var meta sql.NullString

	err := row.Scan(&rec.Key, &rec.Value, &rec.Kind, &sc, &rec.Owner,
		&createdAt, &updatedAt, &rec.AccessCount, &meta)
	if err != nil {
		return nil, err
	}

	rec.Scope = scope.Scope(sc)
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if meta.Valid && meta.String != "" {
		rec.Metadata = []byte(meta.String)
	}
	return &rec, nil
}
