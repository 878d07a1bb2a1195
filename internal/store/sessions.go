// ABOUTME: Session record persistence for SQLiteStore
// ABOUTME: SessionExists is the ownership check the gateway runs before accepting chat

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateSession inserts a session. Returns ErrDuplicateSession if the id is taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	status := session.Status
	if status == "" {
		status = SessionActive
	}

	query := `
		INSERT INTO sessions (id, user_id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.Title,
		status,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "user_id", session.UserID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, title, status, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, title, status, created_at, updated_at
		FROM sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// SessionExists reports whether an active session with this id belongs to userID.
func (s *SQLiteStore) SessionExists(ctx context.Context, sessionID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ? AND user_id = ? AND status = 'active'`,
		sessionID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking session: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var createdAt, updatedAt string

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Title,
		&session.Status,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if session.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &session, nil
}
