package violation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS violations (
	principal_id   TEXT PRIMARY KEY,
	violations     INTEGER NOT NULL DEFAULT 0,
	last_violation INTEGER
)`

// SQLiteStore persists violation records in a SQLite database.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Path: path, Err: err}
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, &StoreError{Op: "ping", Path: path, Err: err}
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, &StoreError{Op: "migrate", Path: path, Err: err}
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, principalID string) (Record, bool, error) {
	if s == nil || s.sqlDB == nil {
		return Record{}, false, &StoreError{Op: "get", Err: errors.New("storage is not configured")}
	}
	var (
		count int
		last  sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT violations, last_violation FROM violations WHERE principal_id = ?`,
		principalID,
	).Scan(&count, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &StoreError{Op: "get", Err: err}
	}
	return buildRecord(principalID, count, last), true, nil
}

func (s *SQLiteStore) Increment(ctx context.Context, principalID string, at time.Time) (Record, error) {
	if s == nil || s.sqlDB == nil {
		return Record{}, &StoreError{Op: "increment", Err: errors.New("storage is not configured")}
	}
	var (
		count int
		last  sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO violations (principal_id, violations, last_violation)
		 VALUES (?, 1, ?)
		 ON CONFLICT(principal_id) DO UPDATE SET
		   violations = violations + 1,
		   last_violation = excluded.last_violation
		 RETURNING violations, last_violation`,
		principalID,
		toMillis(at),
	).Scan(&count, &last)
	if err != nil {
		return Record{}, &StoreError{Op: "increment", Err: err}
	}
	return buildRecord(principalID, count, last), nil
}

func buildRecord(id string, count int, last sql.NullInt64) Record {
	rec := Record{PrincipalID: id, Violations: count}
	if last.Valid {
		ts := fromMillis(last.Int64)
		rec.LastViolation = &ts
	}
	return rec
}
