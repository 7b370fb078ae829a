// ABOUTME: Contact link operations mapping local users to remote contact ids
// ABOUTME: One link per user and provider; contact ids are stored verbatim
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harperreed/contactsync/models"
)

// LinkRepository stores user <-> remote contact links.
type LinkRepository struct {
	db *sql.DB
}

func NewLinkRepository(db *sql.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

// Get returns the remote contact id linked to userID for slug.
func (r *LinkRepository) Get(ctx context.Context, userID int64, slug string) (string, bool, error) {
	var contactID string
	err := r.db.QueryRowContext(ctx, `
		SELECT contact_id FROM contact_links WHERE user_id = ? AND provider_slug = ?
	`, userID, slug).Scan(&contactID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get contact link: %w", err)
	}
	return contactID, true, nil
}

// Set links userID to contactID, replacing any previous link for slug.
func (r *LinkRepository) Set(ctx context.Context, userID int64, slug, contactID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contact_links (user_id, provider_slug, contact_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider_slug) DO UPDATE SET
			contact_id = excluded.contact_id,
			updated_at = excluded.updated_at
	`, userID, slug, contactID, now, now)
	if err != nil {
		return fmt.Errorf("failed to set contact link: %w", err)
	}
	return nil
}

// FindUser returns the local user linked to a remote contact id.
func (r *LinkRepository) FindUser(ctx context.Context, slug, contactID string) (int64, bool, error) {
	var userID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id FROM contact_links WHERE provider_slug = ? AND contact_id = ?
	`, slug, contactID).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find linked user: %w", err)
	}
	return userID, true, nil
}

// DeleteByContact removes every link to contactID for slug.
func (r *LinkRepository) DeleteByContact(ctx context.Context, slug, contactID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM contact_links WHERE provider_slug = ? AND contact_id = ?
	`, slug, contactID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete contact link: %w", err)
	}
	return res.RowsAffected()
}

// ListAfter returns up to limit links for slug whose user id is greater than
// afterUserID, ordered by user id.
func (r *LinkRepository) ListAfter(ctx context.Context, slug string, afterUserID int64, limit int) ([]models.ContactLink, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, provider_slug, contact_id, created_at, updated_at
		FROM contact_links
		WHERE provider_slug = ? AND user_id > ?
		ORDER BY user_id
		LIMIT ?
	`, slug, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list contact links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []models.ContactLink
	for rows.Next() {
		var l models.ContactLink
		if err := rows.Scan(&l.UserID, &l.ProviderSlug, &l.ContactID, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// Count returns the number of links for slug.
func (r *LinkRepository) Count(ctx context.Context, slug string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contact_links WHERE provider_slug = ?`, slug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count contact links: %w", err)
	}
	return n, nil
}
