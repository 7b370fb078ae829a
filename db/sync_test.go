package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/models"
)

func TestSyncStateLifecycle(t *testing.T) {
	store := setupTestDB(t)

	state, err := GetSyncState(store.DB, "acme")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, UpdateSyncStatus(store.DB, "acme", models.SyncStatusError, "token revoked"))
	state, err = GetSyncState(store.DB, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, state.Status)
	assert.Equal(t, "token revoked", state.ErrorMessage)

	require.NoError(t, MarkSynced(store.DB, "acme", "page-7"))
	state, err = GetSyncState(store.DB, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, state.Status)
	assert.Empty(t, state.ErrorMessage)
	assert.Equal(t, "page-7", state.LastSyncToken)
	assert.NotNil(t, state.LastSyncTime)

	states, err := GetAllSyncStates(store.DB)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestLogImportIsIdempotent(t *testing.T) {
	store := setupTestDB(t)

	added, err := LogImport(store.DB, "acme", "c1", "user", "1", "")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = LogImport(store.DB, "acme", "c1", "user", "1", "")
	require.NoError(t, err)
	assert.False(t, added)

	exists, err := CheckSyncLogExists(store.DB, "acme", "c1")
	require.NoError(t, err)
	assert.True(t, exists)
}
