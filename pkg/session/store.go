package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrEmptyID       = errors.New("session ID cannot be empty")
	ErrNotFound      = errors.New("session not found")
	ErrBadTransition = errors.New("illegal session state transition")
)

// Store defines the interface for session storage. Mutations are linearized
// per session; GetSessions returns a snapshot that never blocks writers.
type Store interface {
	AddSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessions(ctx context.Context) ([]*Session, error)
	// UpdateSession applies the mutator atomically. If the mutator returns
	// an error, nothing is written and that error is returned.
	UpdateSession(ctx context.Context, id string, mutate func(*Session) error) error
	// Transition is an atomic compare-and-set on the status column. It fails
	// with ErrBadTransition when the current status differs from `from` or
	// when from -> to is not a legal edge. It stamps started_at on the move
	// to starting and stopped_at on the move to any terminal status.
	Transition(ctx context.Context, id string, from, to Status) error
	DeleteSession(ctx context.Context, id string) error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the session database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// _busy_timeout: wait up to 5 seconds if the database is locked.
	// _journal_mode=WAL: readers do not block the single writer.
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer at a time; serializing through a single
	// connection avoids "database is locked" errors under concurrent writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	_, err = db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			status TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			last_event_seq INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			started_at TEXT,
			stopped_at TEXT
		)
	`)
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

const sessionColumns = "id, tool, status, host, port, pid, reason, exit_code, last_event_seq, metadata, created_at, started_at, stopped_at"

// AddSession adds a new session to the store.
func (s *SQLiteStore) AddSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return ErrEmptyID
	}

	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sessions ("+sessionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		session.ID, session.Tool, string(session.Status), session.Host, session.Port,
		session.PID, session.Reason, nullableInt(session.ExitCode), session.LastEventSeq,
		string(metadataJSON), session.CreatedAt.Format(time.RFC3339),
		nullableTime(session.StartedAt), nullableTime(session.StoppedAt))
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// GetSessions retrieves all sessions, newest first.
func (s *SQLiteStore) GetSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY created_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession applies the mutator inside a transaction so concurrent
// writers never interleave between the read and the write.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, mutate func(*Session) error) error {
	if id == "" {
		return ErrEmptyID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := mutate(session); err != nil {
		return err
	}
	if session.ID != id {
		return fmt.Errorf("mutator must not change the session ID")
	}

	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET tool = ?, status = ?, host = ?, port = ?, pid = ?, reason = ?,
			exit_code = ?, last_event_seq = ?, metadata = ?, started_at = ?, stopped_at = ?
		 WHERE id = ?`,
		session.Tool, string(session.Status), session.Host, session.Port, session.PID,
		session.Reason, nullableInt(session.ExitCode), session.LastEventSeq,
		string(metadataJSON), nullableTime(session.StartedAt), nullableTime(session.StoppedAt), id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Transition performs the atomic status compare-and-set.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to Status) error {
	if id == "" {
		return ErrEmptyID
	}
	if !CanTransition(from, to) {
		return ErrBadTransition
	}

	now := time.Now().UTC().Format(time.RFC3339)

	var result sql.Result
	var err error
	switch {
	case to == StatusStarting:
		result, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ? AND status = ?",
			string(to), now, id, string(from))
	case to.Terminal():
		result, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ?, stopped_at = COALESCE(stopped_at, ?) WHERE id = ? AND status = ?",
			string(to), now, id, string(from))
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ? WHERE id = ? AND status = ?",
			string(to), id, string(from))
	}
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from a status mismatch.
		if _, err := s.GetSession(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrBadTransition
	}
	return nil
}

// DeleteSession deletes a session by ID.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var (
		session      Session
		status       string
		exitCode     sql.NullInt64
		metadataJSON string
		createdAt    string
		startedAt    sql.NullString
		stoppedAt    sql.NullString
	)

	err := row.Scan(&session.ID, &session.Tool, &status, &session.Host, &session.Port,
		&session.PID, &session.Reason, &exitCode, &session.LastEventSeq, &metadataJSON,
		&createdAt, &startedAt, &stoppedAt)
	if err != nil {
		return nil, err
	}

	session.Status = Status(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &session.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt session metadata: %w", err)
		}
	}

	session.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, err
	}
	if session.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if session.StoppedAt, err = parseNullableTime(stoppedAt); err != nil {
		return nil, err
	}

	return &session, nil
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
