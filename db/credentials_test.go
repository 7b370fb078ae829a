// ABOUTME: Tests for credential storage and the refresh lease
// ABOUTME: Uses a temp sqlite database per test
package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/models"
)

func saveTestCredential(t *testing.T, store *Store) {
	t.Helper()
	exp := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Credentials.Save(context.Background(), &models.Credential{
		ProviderSlug: "acme",
		AccessToken:  "old",
		RefreshToken: "r1",
		ExpiresAt:    &exp,
	}))
}

func TestCredentialSaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	saveTestCredential(t, store)

	c, err := store.Credentials.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "old", c.AccessToken)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, c.Expired(time.Now(), 0))

	_, err = store.Credentials.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestRefreshLeaseIsExclusive(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	saveTestCredential(t, store)

	ok, err := store.Credentials.AcquireRefreshLease(ctx, "acme", "req-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Credentials.AcquireRefreshLease(ctx, "acme", "req-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must wait")

	// re-entrant for the holder
	ok, err = store.Credentials.AcquireRefreshLease(ctx, "acme", "req-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Credentials.ReleaseRefreshLease(ctx, "acme", "req-1"))
	ok, err = store.Credentials.AcquireRefreshLease(ctx, "acme", "req-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshLeaseExpires(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	saveTestCredential(t, store)

	now := time.Now()
	store.Credentials.now = func() time.Time { return now }
	ok, err := store.Credentials.AcquireRefreshLease(ctx, "acme", "crashed", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	store.Credentials.now = func() time.Time { return now.Add(2 * time.Second) }
	ok, err = store.Credentials.AcquireRefreshLease(ctx, "acme", "next", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteRefreshRequiresLease(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	saveTestCredential(t, store)

	fresh := &models.Credential{ProviderSlug: "acme", AccessToken: "new", RefreshToken: "r2"}
	assert.ErrorIs(t, store.Credentials.CompleteRefresh(ctx, "nobody", "other", fresh), ErrLeaseLost)

	ok, err := store.Credentials.AcquireRefreshLease(ctx, "acme", "req-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Credentials.CompleteRefresh(ctx, "req-1", "old", fresh))

	c, err := store.Credentials.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "new", c.AccessToken)
	assert.Equal(t, "r2", c.RefreshToken)
	assert.Nil(t, c.ExpiresAt)

	// lease released by the same statement
	ok, err = store.Credentials.AcquireRefreshLease(ctx, "acme", "req-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteRefreshAfterLeaseExpiryKeepsToken(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	saveTestCredential(t, store)

	now := time.Now()
	store.Credentials.now = func() time.Time { return now }
	ok, err := store.Credentials.AcquireRefreshLease(ctx, "acme", "slow", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	store.Credentials.now = func() time.Time { return now.Add(2 * time.Second) }
	ok, err = store.Credentials.AcquireRefreshLease(ctx, "acme", "next", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the slow holder's token still replaces the stale one
	fresh := &models.Credential{ProviderSlug: "acme", AccessToken: "new", RefreshToken: "r2"}
	require.NoError(t, store.Credentials.CompleteRefresh(ctx, "slow", "old", fresh))

	c, err := store.Credentials.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "new", c.AccessToken)
	assert.Equal(t, "r2", c.RefreshToken)

	// the new holder keeps its lease
	ok, err = store.Credentials.AcquireRefreshLease(ctx, "acme", "third", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// a refresh based on the old token no longer overwrites the newer one
	late := &models.Credential{ProviderSlug: "acme", AccessToken: "late", RefreshToken: "r3"}
	assert.ErrorIs(t, store.Credentials.CompleteRefresh(ctx, "other", "old", late), ErrLeaseLost)
	c, err = store.Credentials.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "new", c.AccessToken)
}

func TestAcquireLeaseWithoutCredential(t *testing.T) {
	store := setupTestDB(t)
	_, err := store.Credentials.AcquireRefreshLease(context.Background(), "ghost", "req", time.Minute)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}
