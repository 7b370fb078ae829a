// ABOUTME: Tests for pulling contacts and dispatching webhook events
// ABOUTME: Covers user matching, creation, tag import and unlinking
package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider/providertest"
	"github.com/harperreed/contactsync/syncerr"
)

func TestPullContactCreatesUser(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	mem := providertest.NewMemory("mem")
	mem.Mappings = append(mem.Mappings, models.FieldMapping{LocalKey: "company", RemoteKey: "org", Active: true})
	mem.Seed("c1", map[string]any{"email": "New@X.com", "name": "Nia", "org": "Acme"}, "t1", "t2")
	s := newTestSyncer(store, nil)

	res, err := s.PullContact(ctx, mem, "c1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Imported)

	user, err := store.Users.Get(ctx, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", user.Email)
	assert.Equal(t, "Nia", user.Name)
	assert.Equal(t, map[string]any{"company": "Acme"}, user.Fields)
	assert.Equal(t, []string{"t1", "t2"}, user.Tags)

	userID, ok, err := store.Links.FindUser(ctx, "mem", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user.ID, userID)

	again, err := s.PullContact(ctx, mem, "c1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.False(t, again.Imported)
	assert.Equal(t, user.ID, again.UserID)

	exists, err := db.CheckSyncLogExists(store.DB, "mem", "c1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPullContactMatchesUserByEmail(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	user := createUser(t, store, "a@x.com", "Alice")
	mem := providertest.NewMemory("mem")
	mem.Seed("c1", map[string]any{"email": "a@x.com", "name": "Alice Smith"})
	s := newTestSyncer(store, nil)

	res, err := s.PullContact(ctx, mem, "c1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, user.ID, res.UserID)

	got, err := store.Users.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", got.Name)
}

func TestPullContactWithoutEmailIsRejected(t *testing.T) {
	store := setupTestDB(t)
	mem := providertest.NewMemory("mem")
	mem.Seed("c1", map[string]any{"name": "Nobody"})
	s := newTestSyncer(store, nil)

	_, err := s.PullContact(context.Background(), mem, "c1")
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))

	n, err := store.Users.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleEventDispatch(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	mem := providertest.NewMemory("mem")
	mem.Seed("c1", map[string]any{"email": "a@x.com"})
	s := newTestSyncer(store, nil)

	require.NoError(t, s.HandleEvent(ctx, mem, nil))
	require.NoError(t, s.HandleEvent(ctx, mem, &models.WebhookEvent{ProviderSlug: "mem", ContactID: "c1", EventType: "bounce"}))
	assert.Empty(t, mem.Calls("load_contact"))

	require.NoError(t, s.HandleEvent(ctx, mem, &models.WebhookEvent{ProviderSlug: "mem", ContactID: "c1", EventType: models.EventUpdate}))
	_, ok, err := store.Links.FindUser(ctx, "mem", "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.HandleEvent(ctx, mem, &models.WebhookEvent{ProviderSlug: "mem", ContactID: "c1", EventType: models.EventUnsubscribe}))
	_, ok, err = store.Links.FindUser(ctx, "mem", "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}
