// ABOUTME: Tests for the connection registry against sqlite persistence
// ABOUTME: A failed connection test must leave no credential behind
package provider

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
)

func setupConnections(t *testing.T, f *fakeProvider) (*ConnectionRegistry, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := NewRegistry()
	require.NoError(t, reg.RegisterDefinition(f.definition(t)))
	return NewConnectionRegistry(ConnectionOptions{
		Registry:    reg,
		Settings:    store.Settings,
		Credentials: store.Credentials,
		Mappings:    store.Mappings,
		App:         store.Settings,
	}), store
}

func TestConnectFailureLeavesNothingPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFakeProvider(t)
	conns, store := setupConnections(t, f)

	_, err := conns.Connect(ctx, "fakecrm", models.Credential{AccessToken: "invalid"}, &models.ProviderConfig{DefaultTag: "t1"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindConnection, syncerr.KindOf(err))

	_, err = store.Credentials.Get(ctx, "fakecrm")
	assert.True(t, errors.Is(err, db.ErrCredentialNotFound))

	slug, err := conns.ActiveSlug(ctx)
	require.NoError(t, err)
	assert.Empty(t, slug)

	cfg, err := store.Settings.Get(ctx, "fakecrm")
	require.NoError(t, err)
	assert.Empty(t, cfg.DefaultTag)

	_, err = conns.Active(ctx)
	assert.True(t, errors.Is(err, syncerr.ErrNotConnected))
}

func TestConnectSuccessPersistsAndActivates(t *testing.T) {
	ctx := context.Background()
	f := newFakeProvider(t)
	conns, store := setupConnections(t, f)

	_, err := conns.Connect(ctx, "fakecrm", models.Credential{AccessToken: fakeAPIKey}, &models.ProviderConfig{DefaultTag: "t1"})
	require.NoError(t, err)

	cred, err := store.Credentials.Get(ctx, "fakecrm")
	require.NoError(t, err)
	assert.Equal(t, fakeAPIKey, cred.AccessToken)

	cfg, err := store.Settings.Get(ctx, "fakecrm")
	require.NoError(t, err)
	assert.Equal(t, "t1", cfg.DefaultTag)

	conns.Reset()
	adapter, err := conns.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fakecrm", adapter.Slug())
}

func TestActiveAppliesStoredMappings(t *testing.T) {
	ctx := context.Background()
	f := newFakeProvider(t)
	f.seed("c1", map[string]any{"email": "a@example.com", "nickname": "Al"})
	conns, store := setupConnections(t, f)

	require.NoError(t, store.Mappings.Set(ctx, "fakecrm", models.FieldMapping{LocalKey: "nick", RemoteKey: "nickname", Active: true}))
	_, err := conns.Connect(ctx, "fakecrm", models.Credential{AccessToken: fakeAPIKey}, nil)
	require.NoError(t, err)

	adapter, err := conns.Active(ctx)
	require.NoError(t, err)
	loaded, err := adapter.LoadContact(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Al", loaded["nick"])
}

func TestDisconnectForgetsCredential(t *testing.T) {
	ctx := context.Background()
	f := newFakeProvider(t)
	conns, store := setupConnections(t, f)

	_, err := conns.Connect(ctx, "fakecrm", models.Credential{AccessToken: fakeAPIKey}, nil)
	require.NoError(t, err)
	require.NoError(t, conns.Disconnect(ctx))

	_, err = store.Credentials.Get(ctx, "fakecrm")
	assert.True(t, errors.Is(err, db.ErrCredentialNotFound))
	_, err = conns.Active(ctx)
	assert.True(t, errors.Is(err, syncerr.ErrNotConnected))
}

func TestPinnedSlugOverridesStoredProvider(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Settings.SetValue(ctx, db.KeyActiveProvider, "other"))

	conns := NewConnectionRegistry(ConnectionOptions{Registry: NewRegistry(), App: store.Settings, Credentials: store.Credentials, Slug: "pinned"})
	slug, err := conns.ActiveSlug(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pinned", slug)
}
