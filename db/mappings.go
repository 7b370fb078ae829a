// ABOUTME: Field mapping overrides per provider
// ABOUTME: Stored rows overlay the mapping defaults shipped with a provider definition
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/harperreed/contactsync/models"
)

// MappingRepository stores field mapping entries keyed by local field.
type MappingRepository struct {
	db *sql.DB
}

func NewMappingRepository(db *sql.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// List returns the stored mappings for slug, ordered by local key.
func (r *MappingRepository) List(ctx context.Context, slug string) ([]models.FieldMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_key, remote_key, subtype, active
		FROM field_mappings WHERE provider_slug = ?
		ORDER BY local_key
	`, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list field mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.FieldMapping
	for rows.Next() {
		var m models.FieldMapping
		if err := rows.Scan(&m.LocalKey, &m.RemoteKey, &m.Subtype, &m.Active); err != nil {
			return nil, fmt.Errorf("failed to scan field mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Set upserts a mapping for its local key.
func (r *MappingRepository) Set(ctx context.Context, slug string, m models.FieldMapping) error {
	if m.LocalKey == "" {
		return fmt.Errorf("mapping local key is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO field_mappings (provider_slug, local_key, remote_key, subtype, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_slug, local_key) DO UPDATE SET
			remote_key = excluded.remote_key,
			subtype = excluded.subtype,
			active = excluded.active
	`, slug, m.LocalKey, m.RemoteKey, m.Subtype, m.Active)
	if err != nil {
		return fmt.Errorf("failed to save field mapping: %w", err)
	}
	return nil
}

// Delete removes the override for localKey.
func (r *MappingRepository) Delete(ctx context.Context, slug, localKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM field_mappings WHERE provider_slug = ? AND local_key = ?`, slug, localKey)
	if err != nil {
		return fmt.Errorf("failed to delete field mapping: %w", err)
	}
	return nil
}
