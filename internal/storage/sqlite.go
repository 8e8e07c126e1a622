package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"fcc_monitor/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements KV backed by a SQLite database.
// Expired rows are hidden from Get and removed by PurgeExpired.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key if it has not expired.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	if expires.Valid {
		t, err := time.Parse(timeLayout, expires.String)
		if err == nil && !s.now().UTC().Before(t) {
			return "", false, nil
		}
	}
	return value, true, nil
}

// Put inserts or replaces the value under key.
func (s *SQLite) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now().UTC()
	var expires *string
	if ttl > 0 {
		v := now.Add(ttl).Format(timeLayout)
		expires = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		                                expires_at = excluded.expires_at,
		                                updated_at = excluded.updated_at`,
		key, value, expires, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes expired rows and reports how many were removed.
func (s *SQLite) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
