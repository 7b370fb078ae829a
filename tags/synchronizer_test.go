// ABOUTME: Tests for the tag synchronizer delta computation and catalogue merging
// ABOUTME: Uses the in-memory adapter and a temp sqlite catalogue
package tags

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/provider/providertest"
	"github.com/harperreed/contactsync/syncerr"
)

func setupTestDB(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestApplySendsOnlyTheDelta(t *testing.T) {
	ctx := context.Background()
	mem := providertest.NewMemory("mem")
	mem.Seed("c1", map[string]any{"email": "a@x.com"}, "1", "2")
	s := New(nil)

	res, err := s.Apply(ctx, mem, Request{
		ContactID: "c1",
		Add:       models.NewTagSet("2", "3"),
		Remove:    models.NewTagSet("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, res.Added.Sorted())
	assert.Equal(t, []string{"1"}, res.Removed.Sorted())

	assert.Equal(t, []providertest.Call{{Op: "apply_tags", ID: "c1", Tags: []string{"3"}}}, mem.Calls("apply_tags"))
	assert.Equal(t, []providertest.Call{{Op: "remove_tags", ID: "c1", Tags: []string{"1"}}}, mem.Calls("remove_tags"))
	assert.Equal(t, []string{"2", "3"}, mem.TagsOf("c1"))
}

func TestApplyNeverSendsEmptySets(t *testing.T) {
	ctx := context.Background()
	mem := providertest.NewMemory("mem")
	mem.Seed("c1", nil, "1")
	s := New(nil)

	_, err := s.Apply(ctx, mem, Request{
		ContactID: "c1",
		Add:       models.NewTagSet("1"),
		Remove:    models.NewTagSet("9"),
	})
	require.NoError(t, err)
	assert.Empty(t, mem.Calls("apply_tags", "remove_tags"))
	assert.Len(t, mem.Calls("get_tags"), 1)
}

func TestApplyReportsFailedHalfWithoutRollback(t *testing.T) {
	ctx := context.Background()
	mem := providertest.NewMemory("mem")
	mem.Seed("c1", nil, "1")
	boom := syncerr.New(syncerr.KindTransient, "mem", "remove_tags", "timeout")
	mem.Fail("remove_tags", "c1", boom, -1)
	s := New(nil)

	res, err := s.Apply(ctx, mem, Request{
		ContactID: "c1",
		Add:       models.NewTagSet("2"),
		Remove:    models.NewTagSet("1"),
	})
	require.Error(t, err)

	var tagErr *TagError
	require.True(t, errors.As(err, &tagErr))
	assert.NoError(t, tagErr.AddErr)
	assert.Equal(t, boom, tagErr.RemoveErr)
	assert.True(t, errors.Is(err, boom))

	assert.Equal(t, []string{"2"}, res.Added.Sorted())
	assert.Empty(t, res.Removed)
	assert.Equal(t, []string{"1", "2"}, mem.TagsOf("c1"))
}

func TestApplyWithoutTagCapability(t *testing.T) {
	mem := providertest.NewMemory("mem")
	mem.Caps = provider.NewCapabilitySet(provider.CapAddFields)
	s := New(nil)

	_, err := s.Apply(context.Background(), mem, Request{ContactID: "c1", Add: models.NewTagSet("1")})
	assert.True(t, errors.Is(err, syncerr.ErrUnsupported))
	assert.Empty(t, mem.Calls())
}

func TestApplyWithoutRemoveCapability(t *testing.T) {
	mem := providertest.NewMemory("mem")
	mem.Caps = provider.NewCapabilitySet(provider.CapAddTags)
	mem.Seed("c1", nil, "1")
	s := New(nil)

	_, err := s.Apply(context.Background(), mem, Request{ContactID: "c1", Remove: models.NewTagSet("1")})
	var tagErr *TagError
	require.True(t, errors.As(err, &tagErr))
	assert.Equal(t, syncerr.KindUnsupported, syncerr.KindOf(tagErr.RemoveErr))
	assert.Empty(t, mem.Calls("remove_tags"))
}

func TestApplyMergesNewTagsIntoCatalogue(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.Catalog.Replace(ctx, "mem", db.CatalogTags, map[string]string{"1": "Customers"}))

	mem := providertest.NewMemory("mem")
	mem.Seed("c1", nil, "1")
	s := New(store.Catalog)

	res, err := s.Apply(ctx, mem, Request{
		ContactID: "c1",
		Add:       models.NewTagSet("7"),
		Labels:    map[string]string{"7": "VIP"},
	})
	require.NoError(t, err)
	assert.True(t, res.CatalogUpdated)

	catalog, err := store.Catalog.Get(ctx, "mem", db.CatalogTags)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "Customers", "7": "VIP"}, catalog)

	res, err = s.Apply(ctx, mem, Request{ContactID: "c1", Add: models.NewTagSet("7")})
	require.NoError(t, err)
	assert.False(t, res.CatalogUpdated)
}

type renameHook struct{}

func (renameHook) PreTagApply(ctx context.Context, slug string, req *Request) error {
	if req.Add.Has("legacy") {
		delete(req.Add, "legacy")
		req.Add.Add("modern")
	}
	return nil
}

func TestHookRewritesRequest(t *testing.T) {
	mem := providertest.NewMemory("mem")
	mem.Seed("c1", nil)
	s := New(nil, WithHook(renameHook{}))

	_, err := s.Apply(context.Background(), mem, Request{ContactID: "c1", Add: models.NewTagSet("legacy")})
	require.NoError(t, err)
	assert.Equal(t, []string{"modern"}, mem.TagsOf("c1"))
}

func TestRefreshCatalogReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.Catalog.Replace(ctx, "mem", db.CatalogTags, map[string]string{"old": "Old"}))

	mem := providertest.NewMemory("mem")
	mem.SetCatalog(map[string]string{"a": "Alpha", "b": "Beta"})
	s := New(store.Catalog)

	n, err := s.RefreshCatalog(ctx, mem)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	catalog, err := store.Catalog.Get(ctx, "mem", db.CatalogTags)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "Alpha", "b": "Beta"}, catalog)

	fields, err := store.Catalog.Get(ctx, "mem", db.CatalogFields)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"email": "email", "name": "name"}, fields)
}
