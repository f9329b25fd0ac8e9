package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateSession stores new session metadata.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	now := time.Now().UTC()
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.RunID,
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns session metadata or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, run_id, created_at, updated_at FROM sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.UserID, &sess.RunID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// TouchSession bumps the session's updated_at.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("deleting session messages: %w", err)
	}
	return tx.Commit()
}

// AppendMessages stores messages and bumps the session in one
// transaction, so a turn is either fully recorded or not at all.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, msgs []SessionMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning message append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, m := range msgs {
		sources, err := json.Marshal(nonNil(m.Sources))
		if err != nil {
			return fmt.Errorf("marshalling sources: %w", err)
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (id, session_id, seq, role, content, sources, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, m.Seq, m.Role, m.Content, string(sources), createdAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting message seq %d: %w", m.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?",
		now.Format(time.RFC3339), sessionID,
	); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns a session's messages in sequence order. limit
// <= 0 returns everything.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	query := `SELECT id, session_id, seq, role, content, sources, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []SessionMessage
	for rows.Next() {
		var m SessionMessage
		var sources, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &sources, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
			m.Sources = nil
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceMessages atomically swaps a session's full message list. Used
// by history pruning, which replaces the oldest half with a synthetic
// system note.
func (s *Store) ReplaceMessages(ctx context.Context, sessionID string, msgs []SessionMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning message replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	now := time.Now().UTC()
	for _, m := range msgs {
		sources, err := json.Marshal(nonNil(m.Sources))
		if err != nil {
			return fmt.Errorf("marshalling sources: %w", err)
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_messages (id, session_id, seq, role, content, sources, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, m.Seq, m.Role, m.Content, string(sources), createdAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting message seq %d: %w", m.Seq, err)
		}
	}
	return tx.Commit()
}
