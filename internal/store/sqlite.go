package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLiteStore keeps every collection as one JSON document row in a SQLite
// database. Each save replaces the row inside a transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Serialize writers; sqlite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Accounts(ctx context.Context) ([]Account, error) {
	accounts, err := loadCollection(ctx, s.db, accountsFile, []Account{})
	if err != nil || accounts == nil {
		return []Account{}, err
	}
	return accounts, nil
}

func (s *SQLiteStore) SaveAccounts(ctx context.Context, accounts []Account) error {
	if accounts == nil {
		accounts = []Account{}
	}
	return s.save(ctx, accountsFile, accounts)
}

func (s *SQLiteStore) Runs(ctx context.Context) ([]CommitRun, error) {
	runs, err := loadCollection(ctx, s.db, runsFile, []CommitRun{})
	if err != nil || runs == nil {
		return []CommitRun{}, err
	}
	return runs, nil
}

func (s *SQLiteStore) SaveRuns(ctx context.Context, runs []CommitRun) error {
	if runs == nil {
		runs = []CommitRun{}
	}
	return s.save(ctx, runsFile, runs)
}

func (s *SQLiteStore) Settings(ctx context.Context) (Settings, error) {
	settings, err := loadCollection(ctx, s.db, settingsFile, Settings{})
	if err != nil || settings == nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, settings Settings) error {
	if settings == nil {
		settings = Settings{}
	}
	return s.save(ctx, settingsFile, settings)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func loadCollection[T any](ctx context.Context, db *sql.DB, name string, empty T) (T, error) {
	var data string
	err := db.QueryRowContext(ctx, "SELECT data FROM collections WHERE name = ?", name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return empty, nil
		}
		return empty, fmt.Errorf("load %s: %w", name, err)
	}

	var value T
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return empty, nil
	}
	return value, nil
}

func (s *SQLiteStore) save(ctx context.Context, name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", name, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collections (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}
