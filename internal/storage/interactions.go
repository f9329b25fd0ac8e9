package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AppendInteraction records one interaction. The log is append-only.
func (s *Store) AppendInteraction(ctx context.Context, i Interaction) error {
	createdAt := i.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	categories, err := json.Marshal(nonNil(i.Categories))
	if err != nil {
		return fmt.Errorf("marshalling categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, action, target, text, categories, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		// Nanosecond precision: the decay math in derived-profile
		// rebuilds must see the exact instants the incremental path saw.
		// The fraction is fixed-width so ORDER BY on the text is time order.
		i.ID, i.UserID, i.Action, i.Target, i.Text, string(categories), i.Importance, createdAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("appending interaction: %w", err)
	}
	return nil
}

// ListInteractions returns a user's interactions in timestamp order
// (oldest first). limit <= 0 returns everything.
func (s *Store) ListInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	query := `SELECT id, user_id, action, target, text, categories, importance, created_at
		FROM interactions WHERE user_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var i Interaction
		var categories, createdAt string
		if err := rows.Scan(&i.ID, &i.UserID, &i.Action, &i.Target, &i.Text, &categories, &i.Importance, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		if err := json.Unmarshal([]byte(categories), &i.Categories); err != nil {
			i.Categories = nil
		}
		if i.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// DeleteUserMemory removes a user's interactions and derived profile.
func (s *Store) DeleteUserMemory(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning memory delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM interactions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("deleting interactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM user_profiles WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return tx.Commit()
}
