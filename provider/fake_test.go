// ABOUTME: In-memory fake marketing provider served over httptest
// ABOUTME: Backs the generic adapter and connection registry tests
package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const fakeDefinition = `
slug: fakecrm
name: FakeCRM
base_url: %s
auth:
  flavor: api_key
  placement:
    in: header
    name: X-Api-Key
capabilities: [add_tags, add_fields, remove_tags, load_contacts]
idempotent_statuses: [409]
errors:
  message_paths: [error.message, message]
  field_path: error.field
pagination:
  next_path: meta.next_cursor
endpoints:
  test:
    path: /account
  find_contact:
    path: /contacts
    query:
      email: "{email}"
    id_path: data.0.id
  add_contact:
    method: POST
    path: /contacts
    body_root: contact
    id_path: contact.id
  update_contact:
    method: PATCH
    path: /contacts/{id}
    body_root: contact
  load_contact:
    path: /contacts/{id}
    result_path: contact
  get_tags:
    path: /contacts/{id}/tags
    list_path: tags
    id_field: id
  apply_tags:
    method: POST
    path: /contacts/{id}/tags
    body_root: tag_ids
  remove_tags:
    method: POST
    path: /contacts/{id}/tags/remove
    body_root: tag_ids
  list_tags:
    path: /tags
    list_path: tags
    id_field: id
    label_field: name
  list_contacts:
    path: /tags/{tag}/contacts
    query:
      cursor: "{cursor}"
    list_path: contacts
    id_field: id
mappings:
  - local_key: email
    remote_key: email
    active: true
  - local_key: name
    remote_key: full_name
    active: true
  - local_key: phone
    remote_key: phones
    subtype: mobile
    active: true
  - local_key: fax
    remote_key: fax
    active: false
`

const fakeAPIKey = "good-key"

type fakeProvider struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	nextID   int
	contacts map[string]map[string]any
	tags     map[string]map[string]bool
	catalog  map[string]string
	flaky    map[string]int

	requests atomic.Int64
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	f := &fakeProvider{
		t:        t,
		contacts: make(map[string]map[string]any),
		tags:     make(map[string]map[string]bool),
		catalog:  map[string]string{"t1": "Customers", "t2": "Leads"},
		flaky:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /account", f.account)
	mux.HandleFunc("GET /contacts", f.findContact)
	mux.HandleFunc("POST /contacts", f.addContact)
	mux.HandleFunc("PATCH /contacts/{id}", f.updateContact)
	mux.HandleFunc("GET /contacts/{id}", f.loadContact)
	mux.HandleFunc("GET /contacts/{id}/tags", f.getTags)
	mux.HandleFunc("POST /contacts/{id}/tags", f.applyTags)
	mux.HandleFunc("POST /contacts/{id}/tags/remove", f.removeTags)
	mux.HandleFunc("GET /tags", f.listTags)
	mux.HandleFunc("GET /tags/{tag}/contacts", f.listContacts)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if r.URL.Path != "/account" && r.Header.Get("X-Api-Key") != fakeAPIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "invalid api key"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeProvider) definition(t *testing.T) *Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(fmt.Sprintf(fakeDefinition, f.server.URL)))
	require.NoError(t, err)
	return def
}

func (f *fakeProvider) seed(id string, fields map[string]any, tags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[id] = fields
	f.tags[id] = make(map[string]bool)
	for _, tag := range tags {
		f.tags[id][tag] = true
	}
}

func (f *fakeProvider) tagsOf(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0)
	for tag := range f.tags[id] {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeProvider) account(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Api-Key") != fakeAPIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "API key is not valid"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": "acme"})
}

func (f *fakeProvider) findContact(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "limited@example.com" {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": "slow down"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data := make([]map[string]any, 0)
	for id, c := range f.contacts {
		if c["email"] == email {
			data = append(data, map[string]any{"id": id})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (f *fakeProvider) decodeContact(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body struct {
		Contact map[string]any `json:"contact"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed body"})
		return nil, false
	}
	if body.Contact["email"] == "not-an-email" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]any{"message": "email is invalid", "field": "email"},
		})
		return nil, false
	}
	return body.Contact, true
}

func (f *fakeProvider) addContact(w http.ResponseWriter, r *http.Request) {
	contact, ok := f.decodeContact(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	f.nextID++
	id := "c" + strconv.Itoa(f.nextID)
	f.contacts[id] = contact
	f.tags[id] = make(map[string]bool)
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"contact": map[string]any{"id": id}})
}

func (f *fakeProvider) updateContact(w http.ResponseWriter, r *http.Request) {
	contact, ok := f.decodeContact(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, found := f.contacts[id]
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "no such contact"})
		return
	}
	for k, v := range contact {
		existing[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"contact": existing})
}

func (f *fakeProvider) loadContact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "flaky" {
		f.flaky[id]++
		if f.flaky[id] == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "try again"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contact": map[string]any{"email": "flaky@example.com"}})
		return
	}
	contact, found := f.contacts[id]
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "no such contact"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contact": contact})
}

func (f *fakeProvider) getTags(w http.ResponseWriter, r *http.Request) {
	ids := f.tagsOf(r.PathValue("id"))
	list := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, map[string]any{"id": id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": list})
}

func (f *fakeProvider) decodeTagIDs(r *http.Request) []string {
	var body struct {
		TagIDs []string `json:"tag_ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.TagIDs
}

func (f *fakeProvider) applyTags(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ids := f.decodeTagIDs(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tags[id] == nil {
		f.tags[id] = make(map[string]bool)
	}
	duplicate := false
	for _, tag := range ids {
		if f.tags[id][tag] {
			duplicate = true
		}
		f.tags[id][tag] = true
	}
	if duplicate {
		writeJSON(w, http.StatusConflict, map[string]any{"message": "tag already applied"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (f *fakeProvider) removeTags(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ids := f.decodeTagIDs(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	missing := false
	for _, tag := range ids {
		if !f.tags[id][tag] {
			missing = true
		}
		delete(f.tags[id], tag)
	}
	if missing {
		writeJSON(w, http.StatusConflict, map[string]any{"message": "tag not applied"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (f *fakeProvider) listTags(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]map[string]any, 0, len(f.catalog))
	for id, name := range f.catalog {
		list = append(list, map[string]any{"id": id, "name": name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": list})
}

// listContacts pages members of a tag two at a time using an opaque JSON
// cursor such as {"after":2}.
func (f *fakeProvider) listContacts(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	f.mu.Lock()
	members := make([]string, 0)
	for id, set := range f.tags {
		if set[tag] {
			members = append(members, id)
		}
	}
	f.mu.Unlock()
	sort.Strings(members)

	start := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		var cursor struct {
			After int `json:"after"`
		}
		if err := json.Unmarshal([]byte(c), &cursor); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed cursor " + c})
			return
		}
		start = cursor.After
	}
	end := start + 2
	if end > len(members) {
		end = len(members)
	}
	page := make([]map[string]any, 0)
	if start < len(members) {
		for _, id := range members[start:end] {
			page = append(page, map[string]any{"id": id})
		}
	}
	next := ""
	if end < len(members) {
		next = fmt.Sprintf(`{"after":%d}`, end)
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": page, "meta": map[string]any{"next_cursor": next}})
}
