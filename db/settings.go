// ABOUTME: Provider settings blobs and application key/value settings
// ABOUTME: Each provider slug owns one opaque JSON configuration document
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harperreed/contactsync/models"
)

// KeyActiveProvider names the app setting holding the connected provider slug.
const KeyActiveProvider = "active_provider"

// SettingsRepository persists ProviderConfig blobs.
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the configuration for slug, or an empty one when none is stored.
func (r *SettingsRepository) Get(ctx context.Context, slug string) (*models.ProviderConfig, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT config FROM provider_settings WHERE provider_slug = ?`, slug).Scan(&raw)
	if err == sql.ErrNoRows {
		return &models.ProviderConfig{Slug: slug}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider settings: %w", err)
	}

	var cfg models.ProviderConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode provider settings for %s: %w", slug, err)
	}
	cfg.Slug = slug
	return &cfg, nil
}

// Set replaces the configuration for slug.
func (r *SettingsRepository) Set(ctx context.Context, slug string, cfg *models.ProviderConfig) error {
	cfg.Slug = slug
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode provider settings: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO provider_settings (provider_slug, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(provider_slug) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at
	`, slug, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save provider settings: %w", err)
	}
	return nil
}

// GetValue returns an application setting, or "" when unset.
func (r *SettingsRepository) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetValue stores an application setting.
func (r *SettingsRepository) SetValue(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}
