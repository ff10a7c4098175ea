// Package sessionstore remembers the last ACP session opened for each agent
// and workspace so a later run can resume it.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// ErrNotFound is returned when no session is remembered.
var ErrNotFound = errors.New("session not found")

// Entry is one remembered session.
type Entry struct {
	ID        string
	AgentID   string
	Workspace string
	SessionID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record remembers sessionID as the latest session for agentID in
// workspace, replacing any earlier one.
func (s *Store) Record(ctx context.Context, agentID, workspace, sessionID string) error {
	now := s.now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO acp_sessions (id, agent_id, workspace, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, workspace) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		uuid.NewString(), agentID, workspace, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("recording session for %s in %s: %w", agentID, workspace, err)
	}
	return nil
}

// Last returns the remembered session id for agentID in workspace.
func (s *Store) Last(ctx context.Context, agentID, workspace string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM acp_sessions WHERE agent_id = ? AND workspace = ?`,
		agentID, workspace).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up session for %s in %s: %w", agentID, workspace, err)
	}
	return sessionID, nil
}

// List returns every remembered session, most recently used first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, workspace, session_id, created_at, updated_at
		FROM acp_sessions
		ORDER BY updated_at DESC, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                    Entry
			createdAt, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Workspace, &e.SessionID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		e.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return entries, nil
}

// Forget deletes the remembered session for agentID in workspace. It
// returns ErrNotFound when there was none.
func (s *Store) Forget(ctx context.Context, agentID, workspace string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM acp_sessions WHERE agent_id = ? AND workspace = ?`,
		agentID, workspace)
	if err != nil {
		return fmt.Errorf("forgetting session for %s in %s: %w", agentID, workspace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
