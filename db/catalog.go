// ABOUTME: Cached tag and field catalogues per provider
// ABOUTME: Full refreshes swap the catalogue inside one transaction
package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Catalogue kinds.
const (
	CatalogTags   = "tags"
	CatalogFields = "fields"
)

// CatalogRepository stores remote_id -> label catalogues.
type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// Get returns the cached catalogue.
func (r *CatalogRepository) Get(ctx context.Context, slug, kind string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT remote_id, label FROM catalog_entries WHERE provider_slug = ? AND kind = ?
	`, slug, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s catalogue: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, fmt.Errorf("failed to scan catalogue entry: %w", err)
		}
		out[id] = label
	}
	return out, rows.Err()
}

// Replace swaps the whole catalogue. Readers see either the old or the new set.
func (r *CatalogRepository) Replace(ctx context.Context, slug, kind string, entries map[string]string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalogue swap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_entries WHERE provider_slug = ? AND kind = ?`, slug, kind); err != nil {
		return fmt.Errorf("failed to clear %s catalogue: %w", kind, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog_entries (provider_slug, kind, remote_id, label) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare catalogue insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for id, label := range entries {
		if _, err := stmt.ExecContext(ctx, slug, kind, id, label); err != nil {
			return fmt.Errorf("failed to insert catalogue entry %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalogue swap: %w", err)
	}
	return nil
}

// Merge adds entries not already cached and returns how many were new.
// Existing labels are left untouched.
func (r *CatalogRepository) Merge(ctx context.Context, slug, kind string, entries map[string]string) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin catalogue merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for id, label := range entries {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO catalog_entries (provider_slug, kind, remote_id, label) VALUES (?, ?, ?, ?)
		`, slug, kind, id, label)
		if err != nil {
			return 0, fmt.Errorf("failed to merge catalogue entry %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit catalogue merge: %w", err)
	}
	return added, nil
}

// Count returns the number of cached entries.
func (r *CatalogRepository) Count(ctx context.Context, slug, kind string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM catalog_entries WHERE provider_slug = ? AND kind = ?
	`, slug, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s catalogue: %w", kind, err)
	}
	return n, nil
}
