// Package store provides the durable local cache shared by the read-through
// cache and the offline outbox.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/scoutbase/trailsync/internal/store/migrations"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens the durable store at path and applies embedded migrations.
func OpenSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: sqlite path required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &sqliteStore{
		sqlDB: sqlDB,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	now := s.now()
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO records (key, value, written_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, written_at = excluded.written_at, expires_at = excluded.expires_at
`, key, []byte(value), toMillis(now), toMillis(now.Add(ttl)))
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value []byte
	var expiresAt int64
	row := s.sqlDB.QueryRowContext(ctx, "SELECT value, expires_at FROM records WHERE key = ?", key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get %s: %w", key, err)
	}
	if !fromMillis(expiresAt).After(s.now()) {
		// Expired records stay in place so GetStale can serve them while
		// offline; they are removed on overwrite, delete, or eviction.
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

func (s *sqliteStore) GetStale(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value []byte
	row := s.sqlDB.QueryRowContext(ctx, "SELECT value FROM records WHERE key = ?", key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get stale %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM records WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT key FROM records ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate keys: %w", err)
	}
	return keys, nil
}

func (s *sqliteStore) EnqueueMutation(ctx context.Context, m Mutation) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO mutations (id, action, subject, scope, payload, created_at, retry_count, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    action = excluded.action,
    subject = excluded.subject,
    scope = excluded.scope,
    payload = excluded.payload,
    created_at = excluded.created_at,
    retry_count = excluded.retry_count,
    reason = excluded.reason
`, m.ID, m.Action, m.Subject, m.Scope, []byte(m.Payload), toMillis(m.CreatedAt), m.RetryCount, m.Reason)
	if err != nil {
		return fmt.Errorf("store: enqueue mutation %s: %w", m.ID, err)
	}
	return nil
}

func (s *sqliteStore) ListMutations(ctx context.Context) ([]Mutation, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, action, subject, scope, payload, created_at, retry_count, reason
FROM mutations ORDER BY seq
`)
	if err != nil {
		return nil, fmt.Errorf("store: list mutations: %w", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var m Mutation
		var payload []byte
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Action, &m.Subject, &m.Scope, &payload, &createdAt, &m.RetryCount, &m.Reason); err != nil {
			return nil, fmt.Errorf("store: scan mutation: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate mutations: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) DeleteMutation(ctx context.Context, id string) error {
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: delete mutation %s: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) ClearMutations(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM mutations"); err != nil {
		return fmt.Errorf("store: clear mutations: %w", err)
	}
	return nil
}

func (s *sqliteStore) Wipe(ctx context.Context) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin wipe: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: wipe records: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM mutations"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: wipe mutations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit wipe: %w", err)
	}
	return nil
}

func (s *sqliteStore) Backend() string { return "sqlite" }

func (s *sqliteStore) Close(context.Context) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
