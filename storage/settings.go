package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"alertrelay/models"
)

const settingsKeyUser = "user"

// GetSettings returns the saved user settings, or zero settings when none were saved.
func (s *Store) GetSettings() (models.Settings, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, settingsKeyUser).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settings{}, nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("get settings: %w", err)
	}

	var settings models.Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return models.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings replaces the saved user settings.
func (s *Store) SaveSettings(settings models.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsKeyUser,
		string(raw),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
