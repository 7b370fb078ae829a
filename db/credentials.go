// ABOUTME: Credential persistence with a row-level refresh lease
// ABOUTME: The lease serializes token refreshes across requests and processes
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/contactsync/models"
)

var (
	ErrCredentialNotFound = errors.New("db: credential not found")
	ErrLeaseLost          = errors.New("db: refresh lease no longer held")
)

// CredentialRepository stores the single live credential per provider.
type CredentialRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db, now: time.Now}
}

// Get returns the credential for slug, or ErrCredentialNotFound.
func (r *CredentialRepository) Get(ctx context.Context, slug string) (*models.Credential, error) {
	var c models.Credential
	var expires int64
	err := r.db.QueryRowContext(ctx, `
		SELECT provider_slug, access_token, refresh_token, username, expires_at, updated_at
		FROM credentials WHERE provider_slug = ?
	`, slug).Scan(&c.ProviderSlug, &c.AccessToken, &c.RefreshToken, &c.Username, &expires, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	c.ExpiresAt = fromMillis(expires)
	return &c, nil
}

// Save upserts token fields without touching the refresh lease.
func (r *CredentialRepository) Save(ctx context.Context, c *models.Credential) error {
	c.UpdatedAt = r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (provider_slug, access_token, refresh_token, username, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_slug) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			username = excluded.username,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, c.ProviderSlug, c.AccessToken, c.RefreshToken, c.Username, expiresMillis(c), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes the credential for slug.
func (r *CredentialRepository) Delete(ctx context.Context, slug string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE provider_slug = ?`, slug); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// AcquireRefreshLease claims the refresh lease for owner until now+ttl. It
// returns false when another owner holds an unexpired lease.
func (r *CredentialRepository) AcquireRefreshLease(ctx context.Context, slug, owner string, ttl time.Duration) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET refresh_lease_owner = ?, refresh_lease_until = ?
		WHERE provider_slug = ?
		  AND (refresh_lease_until <= ? OR refresh_lease_owner = ?)
	`, owner, toMillis(now.Add(ttl)), slug, toMillis(now), owner)
	if err != nil {
		return false, fmt.Errorf("failed to acquire refresh lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire refresh lease: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, slug); errors.Is(err, ErrCredentialNotFound) {
			return false, err
		}
	}
	return n == 1, nil
}

// CompleteRefresh writes refreshed tokens and releases the lease in one
// statement. The write also lands when the lease has expired but the stored
// access token is still stale, so a slow refresh is not thrown away. It fails
// with ErrLeaseLost only when another holder already stored a newer token.
func (r *CredentialRepository) CompleteRefresh(ctx context.Context, owner, stale string, c *models.Credential) error {
	c.UpdatedAt = r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?,
		    refresh_lease_until = CASE WHEN refresh_lease_owner = ? THEN 0 ELSE refresh_lease_until END,
		    refresh_lease_owner = CASE WHEN refresh_lease_owner = ? THEN '' ELSE refresh_lease_owner END
		WHERE provider_slug = ? AND (refresh_lease_owner = ? OR access_token = ?)
	`, c.AccessToken, c.RefreshToken, expiresMillis(c), c.UpdatedAt, owner, owner, c.ProviderSlug, owner, stale)
	if err != nil {
		return fmt.Errorf("failed to store refreshed credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseRefreshLease drops the lease if owner still holds it.
func (r *CredentialRepository) ReleaseRefreshLease(ctx context.Context, slug, owner string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET refresh_lease_owner = '', refresh_lease_until = 0
		WHERE provider_slug = ? AND refresh_lease_owner = ?
	`, slug, owner)
	if err != nil {
		return fmt.Errorf("failed to release refresh lease: %w", err)
	}
	return nil
}

func expiresMillis(c *models.Credential) int64 {
	if c.ExpiresAt == nil {
		return 0
	}
	return toMillis(*c.ExpiresAt)
}
