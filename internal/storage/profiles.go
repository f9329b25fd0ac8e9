package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetProfileJSON returns the serialized profile document for a user.
// Returns ErrNotFound when no profile exists yet.
func (s *Store) GetProfileJSON(ctx context.Context, userID string) (string, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT profile_json FROM user_profiles WHERE user_id = ?", userID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading profile for %s: %w", userID, err)
	}
	return doc, nil
}

// PutProfileJSON stores (or replaces) the serialized profile document.
func (s *Store) PutProfileJSON(ctx context.Context, userID, doc string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, profile_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`,
		userID, doc, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing profile for %s: %w", userID, err)
	}
	return nil
}
