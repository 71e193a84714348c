// ABOUTME: SQLite implementation of the session Store using modernc.org/sqlite
// ABOUTME: Versioned rows give compare-and-swap via conditional INSERT/UPDATE

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so updated_at compares correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers and keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite session store initialized", "path", path)
	return s, nil
}

// createSchema creates the sessions table if it doesn't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key  TEXT PRIMARY KEY,
			state        TEXT NOT NULL,
			history_json TEXT NOT NULL DEFAULT '[]',
			version      INTEGER NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (state IN ('idle', 'active')),
			CHECK (version > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves the session for key, or a fresh Idle session.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, state, history_json, version, updated_at
		FROM sessions WHERE session_key = ?
	`, key)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSession(key), nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %q: %w", key, err)
	}
	return sess, nil
}

// CompareAndSwap writes next with version expectedVersion+1 when the stored
// version still equals expectedVersion. A missing row counts as version 0.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, next *Session) error {
	if next == nil {
		return fmt.Errorf("compare and swap %q: nil session", key)
	}

	stateName, historyJSON, err := encodeState(next.State)
	if err != nil {
		return fmt.Errorf("encoding session %q: %w", key, err)
	}
	updatedAt := s.now().UTC().Format(timeFormat)

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_key, state, history_json, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(session_key) DO NOTHING
		`, key, stateName, historyJSON, updatedAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE sessions
			SET state = ?, history_json = ?, version = version + 1, updated_at = ?
			WHERE session_key = ? AND version = ?
		`, stateName, historyJSON, updatedAt, key, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("writing session %q: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("deleting session %q: %w", key, err)
	}
	return nil
}

// Prune removes sessions last updated before olderThan.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`,
		olderThan.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// List returns up to limit sessions, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, state, history_json, version, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess        Session
		stateName   string
		historyJSON string
		updatedAt   string
	)
	if err := row.Scan(&sess.Key, &stateName, &historyJSON, &sess.Version, &updatedAt); err != nil {
		return nil, err
	}

	state, err := decodeState(stateName, historyJSON)
	if err != nil {
		return nil, err
	}
	sess.State = state

	sess.UpdatedAt, err = time.Parse(timeFormat, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at %q: %w", updatedAt, err)
	}
	return &sess, nil
}

func encodeState(state State) (string, string, error) {
	switch st := state.(type) {
	case Active:
		data, err := json.Marshal(st.History)
		if err != nil {
			return "", "", err
		}
		return StateNameActive, string(data), nil
	case Idle, nil:
		return StateNameIdle, "[]", nil
	default:
		return "", "", fmt.Errorf("unknown state %T", state)
	}
}

func decodeState(name, historyJSON string) (State, error) {
	switch name {
	case StateNameIdle:
		return Idle{}, nil
	case StateNameActive:
		var history []Turn
		if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
			return nil, fmt.Errorf("decoding history: %w", err)
		}
		return Active{History: history}, nil
	default:
		return nil, fmt.Errorf("unknown state %q", name)
	}
}
