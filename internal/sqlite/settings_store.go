package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SettingsStore is a key→JSON document store in the core store. Used for
// maintenance knobs (reaper intervals, purge windows) that should survive
// restarts and be editable without redeploying.
type SettingsStore struct {
	db *sql.DB
}

// NewSettingsStore creates a SettingsStore backed by the given database.
func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// GetSetting returns the JSON value for a key, or (nil, nil) when unset.
func (s *SettingsStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get setting %q: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// PutSetting upserts the JSON value for a key.
func (s *SettingsStore) PutSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}
