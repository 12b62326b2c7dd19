// Package sessionstore persists per-user chat preferences in SQLite.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_envs (
	user_id    INTEGER PRIMARY KEY,
	env        TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Store provides SQLite-backed environment preferences
type Store struct {
	db         *sql.DB
	defaultEnv string
}

// New opens the database at dbPath, creating it and its directory as needed.
// Users without a saved preference get defaultEnv.
func New(dbPath, defaultEnv string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, defaultEnv: defaultEnv}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DefaultEnv returns the environment used when none is saved
func (s *Store) DefaultEnv() string {
	return s.defaultEnv
}

// Env returns the saved environment for a user, or the default
func (s *Store) Env(ctx context.Context, userID int64) (string, error) {
	var env string
	err := s.db.QueryRowContext(ctx, `SELECT env FROM user_envs WHERE user_id = ?`, userID).Scan(&env)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaultEnv, nil
	}
	if err != nil {
		return s.defaultEnv, err
	}
	return env, nil
}

// SetEnv saves the user's environment, normalized to lower case
func (s *Store) SetEnv(ctx context.Context, userID int64, env string) error {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		return fmt.Errorf("empty environment")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_envs (user_id, env, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			env = excluded.env,
			updated_at = excluded.updated_at
	`, userID, env, time.Now().UTC())
	return err
}

// Reset removes the user's saved environment
func (s *Store) Reset(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_envs WHERE user_id = ?`, userID)
	return err
}

// Count returns how many users have a saved preference
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_envs`).Scan(&n)
	return n, err
}
