// ABOUTME: Tests for the Google Contacts adapter against a fake People API
// ABOUTME: Exercises connect probing, field round trips and contact group tagging
package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/people/v1"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
)

type fakePeople struct {
	mu            sync.Mutex
	nextID        int
	persons       map[string]*people.Person
	groups        map[string]*people.ContactGroup
	updatedFields []string
	unavailable   map[string]int
	hits          map[string]int
}

func newFakePeople(t *testing.T) (*fakePeople, *httptest.Server) {
	t.Helper()
	f := &fakePeople{
		persons:     make(map[string]*people.Person),
		unavailable: make(map[string]int),
		hits:        make(map[string]int),
		groups: map[string]*people.ContactGroup{
			"contactGroups/g1":      {ResourceName: "contactGroups/g1", Name: "Customers", FormattedName: "Customers", GroupType: "USER_CONTACT_GROUP"},
			"contactGroups/g2":      {ResourceName: "contactGroups/g2", Name: "Leads", FormattedName: "Leads", GroupType: "USER_CONTACT_GROUP"},
			"contactGroups/starred": {ResourceName: "contactGroups/starred", Name: "starred", GroupType: "SYSTEM_CONTACT_GROUP"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func fakeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func fakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakePeople) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer good" {
		fakeError(w, http.StatusUnauthorized, "Request had invalid authentication credentials.")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	f.hits[path]++
	if f.unavailable[path] > 0 {
		f.unavailable[path]--
		fakeError(w, http.StatusServiceUnavailable, "The service is currently unavailable.")
		return
	}
	switch {
	case path == "people/me/connections":
		f.listConnections(w, r)
	case path == "people:searchContacts":
		q := strings.ToLower(r.URL.Query().Get("query"))
		results := make([]map[string]any, 0)
		for _, p := range f.persons {
			for _, e := range p.EmailAddresses {
				if strings.Contains(strings.ToLower(e.Value), q) {
					results = append(results, map[string]any{"person": p})
				}
			}
		}
		fakeJSON(w, map[string]any{"results": results})
	case path == "people:createContact" && r.Method == http.MethodPost:
		var p people.Person
		_ = json.NewDecoder(r.Body).Decode(&p)
		f.nextID++
		p.ResourceName = "people/c" + strconv.Itoa(f.nextID)
		f.persons[p.ResourceName] = &p
		fakeJSON(w, &p)
	case strings.HasSuffix(path, ":updateContact") && r.Method == http.MethodPatch:
		name := strings.TrimSuffix(path, ":updateContact")
		if _, ok := f.persons[name]; !ok {
			fakeError(w, http.StatusNotFound, "Requested entity was not found.")
			return
		}
		var p people.Person
		_ = json.NewDecoder(r.Body).Decode(&p)
		p.ResourceName = name
		f.persons[name] = &p
		f.updatedFields = append(f.updatedFields, r.URL.Query().Get("updatePersonFields"))
		fakeJSON(w, &p)
	case strings.HasPrefix(path, "people/"):
		p, ok := f.persons[path]
		if !ok {
			fakeError(w, http.StatusNotFound, "Requested entity was not found.")
			return
		}
		fakeJSON(w, f.withMemberships(p))
	case path == "contactGroups":
		list := make([]*people.ContactGroup, 0, len(f.groups))
		for _, g := range f.groups {
			list = append(list, g)
		}
		fakeJSON(w, map[string]any{"contactGroups": list})
	case strings.HasSuffix(path, "/members:modify"):
		group := f.groups[strings.TrimSuffix(path, "/members:modify")]
		var req people.ModifyContactGroupMembersRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		notFound := make([]string, 0)
		for _, id := range req.ResourceNamesToAdd {
			if _, ok := f.persons[id]; !ok {
				notFound = append(notFound, id)
				continue
			}
			if !contains(group.MemberResourceNames, id) {
				group.MemberResourceNames = append(group.MemberResourceNames, id)
			}
		}
		for _, id := range req.ResourceNamesToRemove {
			group.MemberResourceNames = remove(group.MemberResourceNames, id)
		}
		fakeJSON(w, map[string]any{"notFoundResourceNames": notFound})
	case strings.HasPrefix(path, "contactGroups/"):
		g, ok := f.groups[path]
		if !ok {
			fakeError(w, http.StatusNotFound, "Requested entity was not found.")
			return
		}
		fakeJSON(w, g)
	default:
		fakeError(w, http.StatusNotFound, "unknown path "+path)
	}
}

// listConnections pages persons in resource name order, at most two per page,
// using the page index as token.
func (f *fakePeople) listConnections(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(f.persons))
	for name := range f.persons {
		names = append(names, name)
	}
	sort.Strings(names)

	start, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
	end := start + 2
	if end > len(names) {
		end = len(names)
	}
	page := make([]*people.Person, 0)
	if start < len(names) {
		for _, name := range names[start:end] {
			page = append(page, f.withMemberships(f.persons[name]))
		}
	}
	next := ""
	if end < len(names) {
		next = strconv.Itoa(end)
	}
	fakeJSON(w, map[string]any{"connections": page, "nextPageToken": next})
}

func (f *fakePeople) withMemberships(p *people.Person) *people.Person {
	out := *p
	out.Memberships = nil
	names := make([]string, 0)
	for name, g := range f.groups {
		if contains(g.MemberResourceNames, p.ResourceName) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		out.Memberships = append(out.Memberships, &people.Membership{
			ContactGroupMembership: &people.ContactGroupMembership{ContactGroupResourceName: name},
		})
	}
	return &out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func setupAdapter(t *testing.T) (*Adapter, *fakePeople) {
	t.Helper()
	f, srv := newFakePeople(t)
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Credentials.Save(context.Background(), &models.Credential{ProviderSlug: Slug, AccessToken: "good"}))

	a, err := New(srv.URL+"/", provider.Deps{Credentials: store.Credentials, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return a, f
}

func TestConnectVerifiesCredential(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx := context.Background()

	err := a.Connect(ctx, models.Credential{AccessToken: "revoked"}, true)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindConnection, syncerr.KindOf(err))
	assert.Contains(t, err.Error(), "invalid authentication credentials")

	require.NoError(t, a.Connect(ctx, models.Credential{AccessToken: "good"}, true))
}

func TestAddAndLoadRoundTrip(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx := context.Background()

	local := map[string]any{
		"email":   "dana@example.com",
		"name":    "Dana Example",
		"phone":   "555-0101",
		"company": "Acme",
	}
	id, err := a.AddContact(ctx, a.Resolver().ToRemote(local))
	require.NoError(t, err)
	assert.Equal(t, "people/c1", id)

	loaded, err := a.LoadContact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, local, loaded)

	found, ok, err := a.GetContactID(ctx, "DANA@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, found)
}

func TestUpdateTouchesOnlyChangedGroups(t *testing.T) {
	a, f := setupAdapter(t)
	ctx := context.Background()

	id, err := a.AddContact(ctx, map[string]any{KeyEmail: "eli@example.com", "phone+home": "555-0000"})
	require.NoError(t, err)

	outcome, err := a.UpdateContact(ctx, id, map[string]any{"phone+mobile": "555-0202"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePersisted, outcome)
	assert.Equal(t, []string{"phoneNumbers"}, f.updatedFields)

	f.mu.Lock()
	phones := f.persons[id].PhoneNumbers
	f.mu.Unlock()
	require.Len(t, phones, 2)

	outcome, err = a.UpdateContact(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoop, outcome)
}

func TestContactGroupsAsTags(t *testing.T) {
	a, _ := setupAdapter(t)
	ctx := context.Background()

	id, err := a.AddContact(ctx, map[string]any{KeyEmail: "fay@example.com"})
	require.NoError(t, err)

	require.NoError(t, a.ApplyTags(ctx, id, models.NewTagSet("contactGroups/g1", "contactGroups/g2")))
	require.NoError(t, a.ApplyTags(ctx, id, models.NewTagSet("contactGroups/g1")))
	tags, err := a.GetTags(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"contactGroups/g1", "contactGroups/g2"}, tags.Sorted())

	require.NoError(t, a.RemoveTags(ctx, id, models.NewTagSet("contactGroups/g2")))
	tags, err = a.GetTags(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"contactGroups/g1"}, tags.Sorted())

	stream, err := a.LoadContacts(ctx, "contactGroups/g1")
	require.NoError(t, err)
	require.True(t, stream.Next(ctx))
	assert.Equal(t, id, stream.ContactID())
	assert.False(t, stream.Next(ctx))
}

func TestApplyTagsToMissingContact(t *testing.T) {
	a, _ := setupAdapter(t)
	err := a.ApplyTags(context.Background(), "people/ghost", models.NewTagSet("contactGroups/g1"))
	assert.Equal(t, syncerr.KindNotFound, syncerr.KindOf(err))
}

func TestSyncTagsSkipsSystemGroups(t *testing.T) {
	a, _ := setupAdapter(t)
	catalog, err := a.SyncTags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"contactGroups/g1": "Customers", "contactGroups/g2": "Leads"}, catalog)
}

func TestLoadMissingContactIsNotFound(t *testing.T) {
	a, _ := setupAdapter(t)
	_, err := a.LoadContact(context.Background(), "people/nobody")
	assert.Equal(t, syncerr.KindNotFound, syncerr.KindOf(err))
}

func TestRegisterAddsOAuthConfig(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, Register(reg, ""))
	oc, ok := reg.OAuthConfig(Slug, &models.ProviderConfig{ClientID: "cid"}, "http://localhost:8080/oauth/callback")
	require.True(t, ok)
	assert.Equal(t, "cid", oc.ClientID)
	assert.Equal(t, scopes, oc.Scopes)
}

func TestPersonConversion(t *testing.T) {
	p := &people.Person{
		Names:        []*people.Name{{GivenName: "Gil", FamilyName: "Ng"}},
		PhoneNumbers: []*people.PhoneNumber{{Value: "1", Type: "Mobile"}, {Value: "2", Type: "work"}},
		Biographies:  []*people.Biography{{Value: "met at conf"}},
	}
	assert.Equal(t, map[string]any{
		KeyName:        "Gil Ng",
		"phone+mobile": "1",
		"phone+work":   "2",
		KeyBiography:   "met at conf",
	}, personToRemote(p))

	touched := applyFields(p, map[string]any{KeyTitle: "CTO", "phone+work": "3", "unknown": "x"})
	assert.Equal(t, []string{"organizations", "phoneNumbers"}, touched)
	assert.Equal(t, "3", p.PhoneNumbers[1].Value)
	assert.Equal(t, "CTO", p.Organizations[0].Title)
}

func TestTransientFailureIsRetriedOnce(t *testing.T) {
	a, f := setupAdapter(t)
	ctx := context.Background()

	id, err := a.AddContact(ctx, map[string]any{KeyEmail: "hal@example.com"})
	require.NoError(t, err)

	f.mu.Lock()
	f.unavailable["people:searchContacts"] = 1
	f.mu.Unlock()

	found, ok, err := a.GetContactID(ctx, "hal@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, found)

	f.mu.Lock()
	assert.Equal(t, 2, f.hits["people:searchContacts"])
	f.unavailable[id] = 2
	f.mu.Unlock()

	_, err = a.LoadContact(ctx, id)
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(err))

	f.mu.Lock()
	assert.Equal(t, 2, f.hits[id])
	f.mu.Unlock()
}

func TestNotFoundIsNotRetried(t *testing.T) {
	a, f := setupAdapter(t)
	_, err := a.LoadContact(context.Background(), "people/nobody")
	assert.Equal(t, syncerr.KindNotFound, syncerr.KindOf(err))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.hits["people/nobody"])
}

func TestLoadContactsScansConnectionsForLargeGroups(t *testing.T) {
	a, f := setupAdapter(t)
	ctx := context.Background()

	var members []string
	for i := 0; i < 5; i++ {
		id, err := a.AddContact(ctx, map[string]any{KeyEmail: "m" + strconv.Itoa(i) + "@example.com"})
		require.NoError(t, err)
		if i%2 == 0 {
			members = append(members, id)
		}
	}
	require.NoError(t, a.ApplyTags(ctx, members[0], models.NewTagSet("contactGroups/g1")))
	require.NoError(t, a.ApplyTags(ctx, members[1], models.NewTagSet("contactGroups/g1")))
	require.NoError(t, a.ApplyTags(ctx, members[2], models.NewTagSet("contactGroups/g1")))

	f.mu.Lock()
	g := f.groups["contactGroups/g1"]
	g.MemberCount = maxMembers + 1
	f.mu.Unlock()

	stream, err := a.LoadContacts(ctx, "contactGroups/g1")
	require.NoError(t, err)
	var ids []string
	for stream.Next(ctx) {
		ids = append(ids, stream.ContactID())
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, members, ids)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 3, f.hits["people/me/connections"])
}
