package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	screen_name   TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteStore backs accounts with a single-table sqlite database. The
// primary key is the lowercased screen name; display_name keeps the
// original casing.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// sqlite handles one writer at a time; keep the pool honest.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, usersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, screenName string) (Account, error) {
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, password_hash FROM users WHERE screen_name = ?`,
		strings.ToLower(screenName),
	).Scan(&acct.ScreenName, &acct.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("store: lookup %q: %w", screenName, err)
	}
	return acct, nil
}

// Upsert creates or replaces an account with the given cleartext password.
func (s *SQLiteStore) Upsert(ctx context.Context, screenName, password string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (screen_name, display_name, password_hash) VALUES (?, ?, ?)
		 ON CONFLICT(screen_name) DO UPDATE SET display_name = excluded.display_name,
		                                        password_hash = excluded.password_hash`,
		strings.ToLower(screenName), screenName, HashPassword(password),
	)
	if err != nil {
		return fmt.Errorf("store: upsert %q: %w", screenName, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
