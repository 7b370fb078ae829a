package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/models"
)

func TestSettingsRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	empty, err := store.Settings.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", empty.Slug)
	assert.False(t, empty.Enabled(models.ToggleSyncTags))

	sleep := 2.5
	cfg := &models.ProviderConfig{
		Credentials:  map[string]string{"api_key": "k"},
		DefaultTag:   "t1",
		Toggles:      map[string]bool{models.ToggleSyncTags: true},
		SleepSeconds: &sleep,
	}
	require.NoError(t, store.Settings.Set(ctx, "acme", cfg))

	got, err := store.Settings.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "k", got.Credentials["api_key"])
	assert.True(t, got.Enabled(models.ToggleSyncTags))
	require.NotNil(t, got.SleepSeconds)
	assert.Equal(t, 2.5, *got.SleepSeconds)
}

func TestAppSettingValues(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	v, err := store.Settings.GetValue(ctx, KeyActiveProvider)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.Settings.SetValue(ctx, KeyActiveProvider, "acme"))
	require.NoError(t, store.Settings.SetValue(ctx, KeyActiveProvider, "google"))
	v, err = store.Settings.GetValue(ctx, KeyActiveProvider)
	require.NoError(t, err)
	assert.Equal(t, "google", v)
}

func TestMappingOverrides(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.Mappings.Set(ctx, "acme", models.FieldMapping{LocalKey: "phone", RemoteKey: "phones", Subtype: "work", Active: true}))
	require.NoError(t, store.Mappings.Set(ctx, "acme", models.FieldMapping{LocalKey: "city", RemoteKey: "address+city", Active: false}))
	require.NoError(t, store.Mappings.Set(ctx, "acme", models.FieldMapping{LocalKey: "phone", RemoteKey: "phones", Subtype: "home", Active: true}))

	list, err := store.Mappings.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "city", list[0].LocalKey)
	assert.False(t, list[0].Active)
	assert.Equal(t, "home", list[1].Subtype)

	require.NoError(t, store.Mappings.Delete(ctx, "acme", "city"))
	list, err = store.Mappings.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Error(t, store.Mappings.Set(ctx, "acme", models.FieldMapping{RemoteKey: "x"}))
}

func TestCatalogReplaceAndMerge(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.Catalog.Replace(ctx, "acme", CatalogTags, map[string]string{"1": "one", "2": "two"}))
	require.NoError(t, store.Catalog.Replace(ctx, "acme", CatalogTags, map[string]string{"3": "three"}))

	tags, err := store.Catalog.Get(ctx, "acme", CatalogTags)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"3": "three"}, tags, "replace must not merge")

	added, err := store.Catalog.Merge(ctx, "acme", CatalogTags, map[string]string{"3": "renamed", "4": "four"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	tags, err = store.Catalog.Get(ctx, "acme", CatalogTags)
	require.NoError(t, err)
	assert.Equal(t, "three", tags["3"])
	assert.Equal(t, "four", tags["4"])

	n, err := store.Catalog.Count(ctx, "acme", CatalogFields)
	require.NoError(t, err)
	assert.Zero(t, n)
}
