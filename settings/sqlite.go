package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
)`

// SQLiteStore is a Store backed by a single sqlite table.
type SQLiteStore struct {
	db     *sql.DB
	get    *sql.Stmt
	set    *sql.Stmt
	logger *zap.Logger
}

// dsn formats pragma pairs as modernc _pragma=key(value) parameters.
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}

// OpenSQLite opens (and creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "settings"), zap.String("db", path))
	pragmas := [][2]string{{"busy_timeout", "5000"}}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		pragmas = append(pragmas, [2]string{"journal_mode", "WAL"})
	}
	db, err := sql.Open(driverName, dsn(path, pragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps ":memory:" a single database and serialises writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	s := &SQLiteStore{db: db, logger: logger}
	if s.get, err = db.PrepareContext(ctx, `SELECT value FROM kv WHERE key = ?`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	s.set, err = db.PrepareContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		s.get.Close()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	logger.Debug("opened settings database")
	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.get.QueryRowContext(ctx, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.set.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.logger.Debug("saved setting", zap.String("key", key))
	return nil
}

func (s *SQLiteStore) Close() error {
	return errors.Join(s.get.Close(), s.set.Close(), s.db.Close())
}
